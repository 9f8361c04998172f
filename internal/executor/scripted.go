package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/agentdeck/internal/permission"
)

// ScriptFunc plays one turn. It emits events with emit, which reports false
// once the turn has been aborted. ctx ends on abort.
type ScriptFunc func(ctx context.Context, req TurnRequest, emit func(Event) bool)

// Scripted runs turns in-process from a ScriptFunc. The daemon uses it for
// --executor=echo and tests use it to drive deterministic turns.
type Scripted struct {
	script ScriptFunc

	mu       sync.Mutex
	requests []TurnRequest
	running  map[string]int
	maxSeen  map[string]int
}

func NewScripted(script ScriptFunc) *Scripted {
	return &Scripted{
		script:  script,
		running: make(map[string]int),
		maxSeen: make(map[string]int),
	}
}

// Requests returns every TurnRequest started so far.
func (s *Scripted) Requests() []TurnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TurnRequest(nil), s.requests...)
}

// MaxConcurrent is the highest number of simultaneous turns seen for a session.
func (s *Scripted) MaxConcurrent(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeen[sessionID]
}

func (s *Scripted) Start(ctx context.Context, req TurnRequest) (Turn, error) {
	if s.script == nil {
		return nil, fmt.Errorf("scripted executor has no script")
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.running[req.SessionID]++
	if n := s.running[req.SessionID]; n > s.maxSeen[req.SessionID] {
		s.maxSeen[req.SessionID] = n
	}
	s.mu.Unlock()

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &scriptedTurn{events: make(chan Event, 16), ctx: turnCtx, cancel: cancel}
	go func() {
		defer func() {
			s.mu.Lock()
			s.running[req.SessionID]--
			s.mu.Unlock()
			close(t.events)
		}()
		s.script(turnCtx, req, t.emit)
	}()
	return t, nil
}

type scriptedTurn struct {
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
}

func (t *scriptedTurn) Events() <-chan Event { return t.events }
func (t *scriptedTurn) Abort()               { t.cancel() }

func (t *scriptedTurn) emit(ev Event) bool {
	select {
	case <-t.ctx.Done():
		return false
	default:
	}
	select {
	case t.events <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// Echo answers every prompt with the prompt itself. It reports a stable
// resume token per session so resumption can be exercised end to end.
func Echo() ScriptFunc {
	return func(ctx context.Context, req TurnRequest, emit func(Event) bool) {
		token := req.ResumeToken
		if token == "" || req.Fork {
			token = uuid.NewString()
		}
		if !emit(Event{Kind: EventInit, ResumeToken: token, Commands: []string{"/clear", "/compact", "/help"}}) {
			return
		}
		if !emit(Event{Kind: EventAssistant, Content: "echo: " + req.Prompt}) {
			return
		}
		emit(Event{
			Kind:          EventResult,
			Usage:         Usage{InputTokens: len(req.Prompt), OutputTokens: len(req.Prompt) + 6},
			ContextWindow: 200000,
		})
	}
}

// ToolCall describes one authorization a script asks for.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// AskTool runs req.Authorize for call and reports the decision as a
// tool_result event. It returns false if the turn should stop.
func AskTool(ctx context.Context, req TurnRequest, emit func(Event) bool, call ToolCall) (permission.Decision, bool) {
	if req.Authorize == nil {
		return permission.Decision{}, false
	}
	d, err := req.Authorize(ctx, call.ID, call.Name, call.Input)
	if err != nil {
		return permission.Decision{}, false
	}
	result, _ := json.Marshal(map[string]string{"behavior": string(d.Behavior)})
	return d, emit(Event{Kind: EventToolResult, ToolUseID: call.ID, Result: result})
}
