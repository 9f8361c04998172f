// Package session owns the live state of every loaded agent session: its
// history window, busy flag, pending permission requests and allow sets.
// Clients observe a session through its bus group; the Manager is the only
// writer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/basket/agentdeck/internal/allowlist"
	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/executor"
	"github.com/basket/agentdeck/internal/handoff"
	"github.com/basket/agentdeck/internal/otel"
	"github.com/basket/agentdeck/internal/permission"
	"github.com/basket/agentdeck/internal/persistence"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrBusy          = errors.New("session is busy")
	ErrNoResumeToken = errors.New("session has no resume token to fork from")
)

type Config struct {
	Store    *persistence.Store
	Bus      *bus.Bus
	Executor executor.Executor
	Global   *allowlist.Global
	// Handoffs defaults to a queue over Store.
	Handoffs *handoff.Queue
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics
	// HistoryLimit bounds the in-memory replay window, loaded on bring-up
	// and kept while messages arrive.
	HistoryLimit int
}

type Manager struct {
	store        *persistence.Store
	bus          *bus.Bus
	exec         executor.Executor
	global       *allowlist.Global
	handoffs     *handoff.Queue
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *otel.Metrics
	historyLimit int

	mu       sync.RWMutex
	sessions map[string]*State

	// requests maps every pending permission request id to its session so
	// one id is never pending in two sessions at once.
	reqMu    sync.Mutex
	requests map[string]string
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Bus == nil || cfg.Executor == nil {
		return nil, fmt.Errorf("session manager: store, bus and executor are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	noop := otel.Noop()
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.Tracer
	}
	metrics := cfg.Metrics
	if metrics == nil {
		var err error
		if metrics, err = otel.NewMetrics(noop.Meter); err != nil {
			return nil, fmt.Errorf("session manager metrics: %w", err)
		}
	}
	global := cfg.Global
	if global == nil {
		global = allowlist.NewGlobal(cfg.Store)
	}
	queue := cfg.Handoffs
	if queue == nil {
		queue = handoff.NewQueue(cfg.Store, logger)
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = persistence.DefaultReplayLimit
	}
	m := &Manager{
		store:        cfg.Store,
		bus:          cfg.Bus,
		exec:         cfg.Executor,
		global:       global,
		handoffs:     queue,
		logger:       logger,
		tracer:       tracer,
		metrics:      metrics,
		historyLimit: limit,
		sessions:     make(map[string]*State),
		requests:     make(map[string]string),
	}
	queue.OnQueued(func(string) {
		m.metrics.HandoffsQueued.Add(context.Background(), 1)
	})
	return m, nil
}

// Global returns the process-wide allowlist the manager consults.
func (m *Manager) Global() *allowlist.Global { return m.global }

func (m *Manager) get(id string) *State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Loaded returns the number of sessions held in memory.
func (m *Manager) Loaded() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

type StartRequest struct {
	// SessionID is generated when empty.
	SessionID      string
	ClientID       string
	WorkingDir     string
	ResumeToken    string
	PermissionMode string
	Fork           bool
	Name           string
	// ClientMessageCount is how many history entries the client already
	// holds; replay starts at that index.
	ClientMessageCount int
}

// StartOrResume subscribes ClientID to the session, loading it first when
// it is not in memory. The returned subscription already carries the
// join replay.
func (m *Manager) StartOrResume(ctx context.Context, req StartRequest) (*bus.Subscription, error) {
	if strings.TrimSpace(req.ClientID) == "" {
		return nil, fmt.Errorf("start session: empty client id")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if st := m.get(req.SessionID); st != nil {
		st.mu.Lock()
		sub := m.joinLocked(ctx, st, req.ClientID, req.ClientMessageCount)
		st.mu.Unlock()
		return sub, nil
	}

	loaded, err := m.bringUp(ctx, req)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	st, ok := m.sessions[req.SessionID]
	if !ok {
		st = loaded
		m.sessions[req.SessionID] = st
	}
	m.mu.Unlock()

	st.mu.Lock()
	sub := m.joinLocked(ctx, st, req.ClientID, req.ClientMessageCount)
	st.mu.Unlock()
	if !ok {
		m.logger.Info("session loaded",
			"session_id", req.SessionID,
			"client_id", req.ClientID,
			"history", loaded.historyLen(),
			"fork", loaded.forkNext,
		)
	}
	m.Kick(ctx, req.SessionID)
	return sub, nil
}

func (m *Manager) bringUp(ctx context.Context, req StartRequest) (*State, error) {
	mode, err := persistence.ParsePermissionMode(req.PermissionMode)
	if err != nil {
		return nil, err
	}
	workDir := strings.TrimSpace(req.WorkingDir)
	if workDir != "" {
		if abs, err := filepath.Abs(workDir); err == nil {
			workDir = abs
		}
	}

	if _, err := m.store.CreateSession(ctx, persistence.SessionRecord{
		ID:             req.SessionID,
		Name:           req.Name,
		WorkingDir:     workDir,
		PermissionMode: mode,
		ResumeToken:    req.ResumeToken,
	}); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	rec, err := m.store.UpdateSession(ctx, req.SessionID, func(r *persistence.SessionRecord) {
		r.Status = persistence.SessionStatusActive
		if workDir != "" {
			r.WorkingDir = workDir
		}
		if req.ResumeToken != "" {
			r.ResumeToken = req.ResumeToken
		}
		if req.PermissionMode != "" {
			r.PermissionMode = mode
		}
		if req.Name != "" {
			r.Name = req.Name
		}
	})
	if err != nil {
		return nil, fmt.Errorf("activate session: %w", err)
	}
	if rec.WorkingDir == "" {
		return nil, fmt.Errorf("start session %s: working directory required", rec.ID)
	}

	history, err := m.store.RecentMessages(ctx, rec.ID, m.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	total, err := m.store.CountMessages(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("count history: %w", err)
	}
	usage, hasUsage, err := m.store.LoadUsage(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("load usage: %w", err)
	}
	tools, err := m.store.SessionAllowedTools(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("load allowed tools: %w", err)
	}
	dirs, err := m.store.AllowedDirectories(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("load allowed directories: %w", err)
	}

	return &State{
		rec:      rec,
		history:  history,
		base:     max(total-len(history), 0),
		usage:    usage,
		hasUsage: hasUsage,
		tools:    tools,
		dirs:     dirs,
		gate:     permission.NewGate(),
		forkNext: req.Fork || (rec.ForkedFrom != "" && total == 0),
	}, nil
}

// joinLocked subscribes clientID and sends it the state it needs to catch
// up: busy flag, pending requests, commands and usage first, then the
// history it is missing from the in-memory window. Live events are
// published under the same lock, so nothing can slip between the replay and
// the first live event.
func (m *Manager) joinLocked(ctx context.Context, st *State, clientID string, clientCount int) *bus.Subscription {
	id := st.rec.ID
	sub := m.bus.Subscribe(id, clientID)
	send := func(typ string, payload interface{}) {
		m.bus.Send(id, clientID, bus.Event{Type: typ, Payload: payload})
	}

	total := st.historyLen()
	send(bus.TypeSessionReady, SessionReadyPayload{
		SessionID:      id,
		PermissionMode: string(st.rec.PermissionMode),
		WorkingDir:     st.rec.WorkingDir,
		Name:           st.rec.Name,
		ForkedFrom:     st.rec.ForkedFrom,
		MessageCount:   total,
	})
	send(bus.TypeThinking, ThinkingPayload{SessionID: id, Thinking: st.thinking})
	for _, req := range st.gate.List() {
		send(bus.TypePermissionRequest, requestPayload(id, req))
	}
	if len(st.commands) > 0 {
		send(bus.TypeAvailableCommands, CommandsPayload{SessionID: id, Commands: slices.Clone(st.commands)})
	}
	if st.hasUsage {
		p := resultPayload(id, st.usage)
		p.IsReplay = true
		send(bus.TypeResult, p)
	}
	send(bus.TypeAllowedTools, AllowedToolsPayload{SessionID: id, Tools: st.scopeTools()})
	send(bus.TypeAllowedDirectories, AllowedDirectoriesPayload{SessionID: id, Directories: st.scopeDirs()})
	send(bus.TypeGlobalAllowedTools, AllowedToolsPayload{Tools: m.global.Snapshot()})

	// Entries older than the window are not replayed; the client already
	// lost them or never had them.
	start := min(max(clientCount, st.base), total)
	for i := start; i < total; i++ {
		send(bus.TypeMessage, MessagePayload{
			SessionID: id,
			Index:     i,
			Message:   messageBody(st.history[i-st.base]),
			IsReplay:  true,
		})
	}
	if queued := m.queuedLocked(ctx, st); len(queued) > 0 {
		send(bus.TypeHandoffQueue, HandoffQueuePayload{SessionID: id, Messages: queued})
	}
	return sub
}

// Leave drops one client's subscription. The session stays loaded.
func (m *Manager) Leave(sessionID, clientID string) {
	m.bus.Unsubscribe(sessionID, clientID)
}

// LeaveAll drops every subscription of clientID, for a closed connection.
func (m *Manager) LeaveAll(clientID string) []string {
	return m.bus.UnsubscribeClient(clientID)
}

// Fork creates a session that branches from the source's resume token.
// It starts with empty history and fresh usage and inherits the source's
// allowed tools and directories.
func (m *Manager) Fork(ctx context.Context, sessionID, name string) (persistence.SessionRecord, error) {
	src, tools, dirs, err := m.forkSource(ctx, sessionID)
	if err != nil {
		return persistence.SessionRecord{}, err
	}
	if src.ResumeToken == "" {
		return persistence.SessionRecord{}, fmt.Errorf("fork %s: %w", sessionID, ErrNoResumeToken)
	}
	if strings.TrimSpace(name) == "" {
		name = strings.TrimSpace(src.Name + " (fork)")
	}
	rec, err := m.store.CreateSession(ctx, persistence.SessionRecord{
		ID:             uuid.NewString(),
		Name:           name,
		WorkingDir:     src.WorkingDir,
		PermissionMode: src.PermissionMode,
		ForkedFrom:     src.ID,
		ResumeToken:    src.ResumeToken,
		Status:         persistence.SessionStatusDetached,
	})
	if err != nil {
		return persistence.SessionRecord{}, fmt.Errorf("fork %s: %w", sessionID, err)
	}
	for _, p := range tools {
		if err := m.store.AddSessionAllowedTool(ctx, rec.ID, p); err != nil {
			m.logger.Warn("fork: copy allowed tool failed", "session_id", rec.ID, "error", err)
		}
	}
	for _, d := range dirs {
		if err := m.store.AddAllowedDirectory(ctx, rec.ID, d); err != nil {
			m.logger.Warn("fork: copy allowed directory failed", "session_id", rec.ID, "error", err)
		}
	}
	m.bus.Publish(sessionID, bus.Event{Type: bus.TypeSessionForked, Payload: SessionForkedPayload{
		SessionID:       sessionID,
		ForkedSessionID: rec.ID,
		Name:            rec.Name,
	}})
	m.logger.Info("session forked", "session_id", sessionID, "fork_id", rec.ID)
	return rec, nil
}

func (m *Manager) forkSource(ctx context.Context, id string) (persistence.SessionRecord, []string, []string, error) {
	if st := m.get(id); st != nil {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.rec, st.scopeTools(), st.scopeDirs(), nil
	}
	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return rec, nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return rec, nil, nil, err
	}
	tools, err := m.store.SessionAllowedTools(ctx, id)
	if err != nil {
		return rec, nil, nil, err
	}
	dirs, err := m.store.AllowedDirectories(ctx, id)
	if err != nil {
		return rec, nil, nil, err
	}
	return rec, tools, dirs, nil
}

// Shutdown aborts every loaded session and forgets them. Durable records
// are left as they are.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	states := make([]*State, 0, len(m.sessions))
	for _, st := range m.sessions {
		states = append(states, st)
	}
	clear(m.sessions)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, st := range states {
		g.Go(func() error {
			st.mu.Lock()
			m.abortLocked(gctx, st)
			m.requeueBacklogLocked(gctx, st)
			id := st.rec.ID
			st.mu.Unlock()
			m.bus.DropGroup(id)
			return nil
		})
	}
	err := g.Wait()
	m.logger.Info("session manager stopped", "sessions", len(states))
	return err
}

// requeueBacklogLocked returns drained but undelivered handoffs to the
// durable queue so they survive a restart.
func (m *Manager) requeueBacklogLocked(ctx context.Context, st *State) {
	for _, msg := range st.backlog {
		if err := m.handoffs.Enqueue(ctx, st.rec.ID, msg); err != nil {
			m.logger.Error("requeue handoff failed", "session_id", st.rec.ID, "error", err)
		}
	}
	st.backlog = nil
}

// Delete aborts and unloads the session and archives its durable record.
// History and allow sets stay in the store; List no longer shows it and a
// later start with the same id brings it back.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	st := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if st != nil {
		st.mu.Lock()
		m.abortLocked(ctx, st)
		m.requeueBacklogLocked(ctx, st)
		st.mu.Unlock()
		m.bus.DropGroup(id)
	}
	if _, err := m.store.UpdateSession(ctx, id, func(r *persistence.SessionRecord) {
		r.Status = persistence.SessionStatusArchived
	}); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("archive session: %w", err)
	}
	m.logger.InfoContext(ctx, "session archived", "session_id", id)
	return nil
}

func (m *Manager) Thinking(id string) bool {
	st := m.get(id)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.thinking
}

func (m *Manager) PendingPermissions(id string) []permission.Request {
	st := m.get(id)
	if st == nil {
		return nil
	}
	return st.gate.List()
}

// SetPermissionMode changes how the session's tool requests are decided.
func (m *Manager) SetPermissionMode(ctx context.Context, id, raw string) error {
	mode, err := persistence.ParsePermissionMode(raw)
	if err != nil {
		return err
	}
	st := m.get(id)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.rec.PermissionMode = mode
	if _, err := m.store.UpdateSession(ctx, id, func(r *persistence.SessionRecord) { r.PermissionMode = mode }); err != nil {
		m.logger.Warn("persist permission mode failed", "session_id", id, "error", err)
	}
	m.bus.Publish(id, bus.Event{Type: bus.TypePermissionMode, Payload: PermissionModePayload{
		SessionID:      id,
		PermissionMode: string(mode),
	}})
	return nil
}

func (m *Manager) Rename(ctx context.Context, id, name string) (persistence.SessionRecord, error) {
	name = strings.TrimSpace(name)
	rec, err := m.store.UpdateSession(ctx, id, func(r *persistence.SessionRecord) { r.Name = name })
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return rec, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return rec, err
	}
	if st := m.get(id); st != nil {
		st.mu.Lock()
		st.rec.Name = name
		st.mu.Unlock()
	}
	return rec, nil
}

// List returns every durable session with the live state of loaded ones.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	recs, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]Summary, 0, len(recs))
	for _, rec := range recs {
		if rec.Status == persistence.SessionStatusArchived {
			continue
		}
		s := Summary{
			ID:             rec.ID,
			Name:           rec.Name,
			WorkingDir:     rec.WorkingDir,
			PermissionMode: string(rec.PermissionMode),
			ForkedFrom:     rec.ForkedFrom,
			Status:         string(rec.Status),
			UpdatedAt:      rec.UpdatedAt,
		}
		if st := m.get(rec.ID); st != nil {
			st.mu.Lock()
			s.Loaded = true
			s.Thinking = st.thinking
			s.Name = st.rec.Name
			s.PermissionMode = string(st.rec.PermissionMode)
			st.mu.Unlock()
			s.Subscribers = len(m.bus.Subscribers(rec.ID))
		}
		out = append(out, s)
	}
	return out, nil
}
