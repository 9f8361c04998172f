package bus

import (
	"sort"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 256

// Event is one message fanned out to every subscriber of a session.
type Event struct {
	Type      string
	SessionID string
	Payload   interface{}
}

// Subscription is one client's membership in one session group.
type Subscription struct {
	sessionID  string
	clientID   string
	ch         chan Event
	overflowed atomic.Bool
}

// Ch returns the channel to receive events on. It is closed on unsubscribe,
// on replacement by a newer subscription for the same client, and on overflow.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

func (s *Subscription) SessionID() string { return s.sessionID }
func (s *Subscription) ClientID() string  { return s.clientID }

// Overflowed reports whether the subscription was evicted because its
// buffer filled up. The client missed events and must rejoin to resync.
func (s *Subscription) Overflowed() bool {
	return s.overflowed.Load()
}

type group struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

// Bus is an in-process broadcast hub with one group per session. Within a
// group, every subscriber receives events in publish order.
type Bus struct {
	mu      sync.RWMutex
	groups  map[string]*group
	buffer  int
	onEvict atomic.Pointer[func(sessionID, clientID string)]
}

// New creates a Bus whose subscriptions buffer up to bufferSize events.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		groups: make(map[string]*group),
		buffer: bufferSize,
	}
}

// OnEvict registers a hook called when a slow subscriber is evicted.
func (b *Bus) OnEvict(fn func(sessionID, clientID string)) {
	b.onEvict.Store(&fn)
}

// Subscribe joins clientID to the session's group. A previous subscription
// of the same client to the same session is closed and replaced.
func (b *Bus) Subscribe(sessionID, clientID string) *Subscription {
	g := b.group(sessionID, true)
	sub := &Subscription{
		sessionID: sessionID,
		clientID:  clientID,
		ch:        make(chan Event, b.buffer),
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.subs[clientID]; ok {
		close(old.ch)
	}
	g.subs[clientID] = sub
	return sub
}

// Unsubscribe removes clientID from the session's group and closes its channel.
func (b *Bus) Unsubscribe(sessionID, clientID string) {
	g := b.group(sessionID, false)
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if sub, ok := g.subs[clientID]; ok {
		delete(g.subs, clientID)
		close(sub.ch)
	}
}

// UnsubscribeClient removes clientID from every group and returns the
// sessions it was subscribed to.
func (b *Bus) UnsubscribeClient(clientID string) []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.groups))
	for id := range b.groups {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	var left []string
	for _, id := range ids {
		g := b.group(id, false)
		if g == nil {
			continue
		}
		g.mu.Lock()
		if sub, ok := g.subs[clientID]; ok {
			delete(g.subs, clientID)
			close(sub.ch)
			left = append(left, id)
		}
		g.mu.Unlock()
	}
	sort.Strings(left)
	return left
}

// Publish delivers ev to every subscriber of sessionID. Delivery never
// blocks: a subscriber whose buffer is full is evicted instead of losing an
// event silently.
func (b *Bus) Publish(sessionID string, ev Event) {
	g := b.group(sessionID, false)
	if g == nil {
		return
	}
	ev.SessionID = sessionID
	var evicted []string
	g.mu.Lock()
	for clientID, sub := range g.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.overflowed.Store(true)
			delete(g.subs, clientID)
			close(sub.ch)
			evicted = append(evicted, clientID)
		}
	}
	g.mu.Unlock()

	if hook := b.onEvict.Load(); hook != nil {
		for _, clientID := range evicted {
			(*hook)(sessionID, clientID)
		}
	}
}

// PublishAll delivers ev to every group, keeping each group's SessionID.
func (b *Bus) PublishAll(ev Event) {
	b.mu.RLock()
	ids := make([]string, 0, len(b.groups))
	for id := range b.groups {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	for _, id := range ids {
		b.Publish(id, ev)
	}
}

// Send delivers ev to a single subscriber, used for join replay. It reports
// false when the client is not subscribed or was evicted.
func (b *Bus) Send(sessionID, clientID string, ev Event) bool {
	g := b.group(sessionID, false)
	if g == nil {
		return false
	}
	ev.SessionID = sessionID
	g.mu.Lock()
	sub, ok := g.subs[clientID]
	if !ok {
		g.mu.Unlock()
		return false
	}
	select {
	case sub.ch <- ev:
		g.mu.Unlock()
		return true
	default:
		sub.overflowed.Store(true)
		delete(g.subs, clientID)
		close(sub.ch)
		g.mu.Unlock()
	}
	if hook := b.onEvict.Load(); hook != nil {
		(*hook)(sessionID, clientID)
	}
	return false
}

// Subscribers returns the client ids subscribed to sessionID, sorted.
func (b *Bus) Subscribers(sessionID string) []string {
	g := b.group(sessionID, false)
	if g == nil {
		return nil
	}
	g.mu.Lock()
	out := make([]string, 0, len(g.subs))
	for id := range g.subs {
		out = append(out, id)
	}
	g.mu.Unlock()
	sort.Strings(out)
	return out
}

// DropGroup closes every subscription of sessionID and forgets the group.
func (b *Bus) DropGroup(sessionID string) {
	b.mu.Lock()
	g, ok := b.groups[sessionID]
	delete(b.groups, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, sub := range g.subs {
		delete(g.subs, id)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of subscriptions across all groups.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	groups := make([]*group, 0, len(b.groups))
	for _, g := range b.groups {
		groups = append(groups, g)
	}
	b.mu.RUnlock()
	n := 0
	for _, g := range groups {
		g.mu.Lock()
		n += len(g.subs)
		g.mu.Unlock()
	}
	return n
}

func (b *Bus) group(sessionID string, create bool) *group {
	b.mu.RLock()
	g, ok := b.groups[sessionID]
	b.mu.RUnlock()
	if ok || !create {
		return g
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok = b.groups[sessionID]; ok {
		return g
	}
	g = &group{subs: make(map[string]*Subscription)}
	b.groups[sessionID] = g
	return g
}
