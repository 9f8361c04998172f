package session

import (
	"slices"
	"sync"
	"time"

	"github.com/basket/agentdeck/internal/executor"
	"github.com/basket/agentdeck/internal/handoff"
	"github.com/basket/agentdeck/internal/permission"
	"github.com/basket/agentdeck/internal/persistence"
)

// State is the in-memory side of one loaded session. Every field is
// guarded by mu, which the Manager holds while mutating, persisting and
// publishing so a joining client sees a consistent snapshot.
type State struct {
	mu sync.Mutex

	rec     persistence.SessionRecord
	history []persistence.Message
	// base is the absolute index of history[0]; older entries are only in
	// the store.
	base     int
	usage    persistence.Usage
	hasUsage bool
	tools    []string
	dirs     []string
	commands []string

	thinking bool
	gate     *permission.Gate

	// turn is the executor turn whose event stream is still open; it can
	// outlive the busy flag when an error arrives while a permission request
	// is pending. turnGen increments on every turn start and on abort so
	// stale events can be told apart.
	turn        executor.Turn
	turnGen     uint64
	turnStarted time.Time

	// forkNext makes the next turn branch from the resume token.
	forkNext bool
	// backlog holds drained handoff messages awaiting their own turn.
	backlog []handoff.Message
}

func (s *State) scopeTools() []string { return slices.Clone(s.tools) }
func (s *State) scopeDirs() []string  { return slices.Clone(s.dirs) }

// historyLen is the absolute number of messages the session has.
func (s *State) historyLen() int { return s.base + len(s.history) }

func messageBody(m persistence.Message) MessageBody {
	return MessageBody{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp}
}
