// Package permission holds tool authorization requests that are waiting on
// a human. Each request is a one-shot completion: resolved once with a
// decision, or rejected with ErrCancelled when the turn is aborted.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	ErrCancelled = errors.New("permission request cancelled")
	ErrNotFound  = errors.New("permission request not found")
	ErrDuplicate = errors.New("permission request already pending")
)

type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

func ParseBehavior(raw string) (Behavior, error) {
	switch Behavior(strings.ToLower(strings.TrimSpace(raw))) {
	case BehaviorAllow:
		return BehaviorAllow, nil
	case BehaviorDeny:
		return BehaviorDeny, nil
	}
	return "", fmt.Errorf("unknown behavior %q", raw)
}

// DenyPrefix is prepended to every denial so the agent treats it as final.
const DenyPrefix = "The user denied this tool use. Do not retry it or attempt an equivalent action; stop and follow the user's instructions."

// DenyMessage wraps an optional human message with DenyPrefix.
func DenyMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return DenyPrefix
	}
	return DenyPrefix + "\n\nUser message: " + msg
}

// Request is a tool authorization waiting on a human.
type Request struct {
	ID        string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input"`
	Pattern   string          `json:"pattern"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Decision is what the executor receives back.
type Decision struct {
	Behavior     Behavior
	UpdatedInput json.RawMessage
	Message      string
}

// Allow returns an allow decision carrying input.
func Allow(input json.RawMessage) Decision {
	return Decision{Behavior: BehaviorAllow, UpdatedInput: input}
}

// Deny returns a deny decision with the wrapped message.
func Deny(msg string) Decision {
	return Decision{Behavior: BehaviorDeny, Message: DenyMessage(msg)}
}

type outcome struct {
	decision Decision
	err      error
}

// Pending is the completion handle for one registered request.
type Pending struct {
	Request
	gate *Gate
	seq  uint64
	done chan outcome
}

// Wait blocks until the request is resolved, cancelled, or ctx ends. When
// ctx ends first the request is withdrawn from the gate.
func (p *Pending) Wait(ctx context.Context) (Decision, error) {
	select {
	case out := <-p.done:
		return out.decision, out.err
	case <-ctx.Done():
		p.gate.withdraw(p)
		return Decision{}, ctx.Err()
	}
}

// Gate is the pending-request map of one session.
type Gate struct {
	mu      sync.Mutex
	seq     uint64
	pending map[string]*Pending
	now     func() time.Time
}

func NewGate() *Gate {
	return &Gate{
		pending: make(map[string]*Pending),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register adds req to the pending map.
func (g *Gate) Register(req Request) (*Pending, error) {
	if strings.TrimSpace(req.ID) == "" {
		return nil, fmt.Errorf("register permission: empty request id")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[req.ID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, req.ID)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = g.now()
	}
	g.seq++
	p := &Pending{Request: req, gate: g, seq: g.seq, done: make(chan outcome, 1)}
	g.pending[req.ID] = p
	return p, nil
}

// Resolve completes a pending request with d and removes it.
func (g *Gate) Resolve(id string, d Decision) (Request, error) {
	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.done <- outcome{decision: d}
	return p.Request, nil
}

// CancelAll rejects every pending request with ErrCancelled and clears the
// map. It returns the cancelled requests.
func (g *Gate) CancelAll() []Request {
	g.mu.Lock()
	victims := make([]*Pending, 0, len(g.pending))
	for _, p := range g.pending {
		victims = append(victims, p)
	}
	clear(g.pending)
	g.mu.Unlock()

	sortBySeq(victims)
	out := make([]Request, 0, len(victims))
	for _, p := range victims {
		p.done <- outcome{err: ErrCancelled}
		out = append(out, p.Request)
	}
	return out
}

// List returns the pending requests in registration order.
func (g *Gate) List() []Request {
	g.mu.Lock()
	all := make([]*Pending, 0, len(g.pending))
	for _, p := range g.pending {
		all = append(all, p)
	}
	g.mu.Unlock()
	sortBySeq(all)
	out := make([]Request, 0, len(all))
	for _, p := range all {
		out = append(out, p.Request)
	}
	return out
}

// Lookup returns the pending request with id.
func (g *Gate) Lookup(id string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok {
		return Request{}, false
	}
	return p.Request, true
}

func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gate) withdraw(p *Pending) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.pending[p.ID]; ok && cur == p {
		delete(g.pending, p.ID)
	}
}

func sortBySeq(ps []*Pending) {
	slices.SortFunc(ps, func(a, b *Pending) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
}
