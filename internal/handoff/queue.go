// Package handoff queues messages that one session sends to another while
// the target is busy or not loaded. Queues are durable and FIFO per target.
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/agentdeck/internal/persistence"
)

type Message = persistence.HandoffMessage

// Store is the durable side of the queue.
type Store interface {
	PushHandoff(ctx context.Context, target string, msg Message) error
	TakeHandoffs(ctx context.Context, target string) ([]Message, error)
	PeekHandoffs(ctx context.Context, target string) ([]Message, error)
	HandoffTargets(ctx context.Context) ([]string, error)
}

// Sender is the session side of delivery.
type Sender interface {
	// TrySend starts a turn with content if the session is loaded and idle.
	TrySend(ctx context.Context, sessionID, content string) (bool, error)
	// Kick delivers the next queued message if the session is loaded and idle.
	Kick(ctx context.Context, sessionID string)
}

type Delivery string

const (
	Delivered Delivery = "delivered"
	Queued    Delivery = "queued"
)

type Queue struct {
	store    Store
	logger   *slog.Logger
	onQueued func(target string)
}

func NewQueue(store Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, logger: logger}
}

// OnQueued registers a hook run after each durable enqueue.
func (q *Queue) OnQueued(fn func(target string)) {
	q.onQueued = fn
}

func (q *Queue) Enqueue(ctx context.Context, target string, msg Message) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("handoff: empty target session")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return fmt.Errorf("handoff: empty message")
	}
	if err := q.store.PushHandoff(ctx, target, msg); err != nil {
		return fmt.Errorf("handoff enqueue: %w", err)
	}
	if q.onQueued != nil {
		q.onQueued(target)
	}
	q.logger.Info("handoff queued", "session_id", target, "from_session", msg.FromSession)
	return nil
}

// Drain returns every queued message for target, oldest first, and clears the queue.
func (q *Queue) Drain(ctx context.Context, target string) ([]Message, error) {
	msgs, err := q.store.TakeHandoffs(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("handoff drain: %w", err)
	}
	return msgs, nil
}

func (q *Queue) Peek(ctx context.Context, target string) ([]Message, error) {
	return q.store.PeekHandoffs(ctx, target)
}

func (q *Queue) Len(ctx context.Context, target string) (int, error) {
	msgs, err := q.store.PeekHandoffs(ctx, target)
	return len(msgs), err
}

// Targets lists sessions that have queued messages.
func (q *Queue) Targets(ctx context.Context) ([]string, error) {
	return q.store.HandoffTargets(ctx)
}

// Deliver sends msg to target now when the target is loaded and idle, and
// queues it durably otherwise. A target with an existing backlog always
// queues so FIFO order holds.
func (q *Queue) Deliver(ctx context.Context, s Sender, target string, msg Message) (Delivery, error) {
	backlog, err := q.Len(ctx, target)
	if err != nil {
		return "", err
	}
	if backlog == 0 {
		sent, err := s.TrySend(ctx, target, msg.Content)
		if err != nil {
			return "", err
		}
		if sent {
			return Delivered, nil
		}
	}
	if err := q.Enqueue(ctx, target, msg); err != nil {
		return "", err
	}
	// The target may have gone idle between TrySend and Enqueue.
	s.Kick(ctx, target)
	return Queued, nil
}
