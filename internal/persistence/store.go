package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultReplayLimit bounds how many history entries are loaded for replay.
const DefaultReplayLimit = 50

type PermissionMode string

const (
	PermissionModeDefault     PermissionMode = "default"
	PermissionModeAcceptEdits PermissionMode = "accept-edits"
	PermissionModeBypass      PermissionMode = "bypass"
	PermissionModePlan        PermissionMode = "plan"
)

// ParsePermissionMode normalizes a mode string; empty means default.
func ParsePermissionMode(raw string) (PermissionMode, error) {
	switch PermissionMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PermissionModeDefault:
		return PermissionModeDefault, nil
	case PermissionModeAcceptEdits, "acceptedits":
		return PermissionModeAcceptEdits, nil
	case PermissionModeBypass, "bypasspermissions":
		return PermissionModeBypass, nil
	case PermissionModePlan:
		return PermissionModePlan, nil
	default:
		return "", fmt.Errorf("unknown permission mode %q", raw)
	}
}

type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusDetached SessionStatus = "detached"
	// SessionStatusArchived hides a session from listings. Its history and
	// allow sets are kept.
	SessionStatusArchived SessionStatus = "archived"
)

// SessionRecord is the durable part of a session. History, usage, and the
// allow sets live under their own keys and are loaded separately.
type SessionRecord struct {
	ID             string         `json:"id"`
	Name           string         `json:"name,omitempty"`
	WorkingDir     string         `json:"working_dir"`
	PermissionMode PermissionMode `json:"permission_mode"`
	ForkedFrom     string         `json:"forked_from,omitempty"`
	ResumeToken    string         `json:"resume_token,omitempty"`
	Status         SessionStatus  `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Usage is the end-of-turn usage snapshot.
type Usage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_input_tokens"`
	CacheCreationTokens int     `json:"cache_creation_input_tokens"`
	TotalTokensUsed     int     `json:"total_tokens_used"`
	ContextWindow       int     `json:"context_window"`
	TotalCostUSD        float64 `json:"total_cost_usd"`
}

// HandoffMessage is a message queued for delivery into another session.
type HandoffMessage struct {
	ID          string    `json:"id"`
	FromSession string    `json:"from_session,omitempty"`
	Content     string    `json:"content"`
	QueuedAt    time.Time `json:"queued_at"`
}

// Store is the typed session-record layer over a Backend.
type Store struct {
	backend Backend
	now     func() time.Time
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Backend() Backend {
	return s.backend
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// CreateSession stores a new record. An existing record with the same id is left untouched.
func (s *Store) CreateSession(ctx context.Context, rec SessionRecord) (SessionRecord, error) {
	if _, err := uuid.Parse(rec.ID); err != nil {
		return SessionRecord{}, fmt.Errorf("invalid session_id: %w", err)
	}
	existing, err := s.GetSession(ctx, rec.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return SessionRecord{}, err
	}
	now := s.now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.PermissionMode == "" {
		rec.PermissionMode = PermissionModeDefault
	}
	if rec.Status == "" {
		rec.Status = SessionStatusActive
	}
	if err := s.putSession(ctx, rec); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	raw, err := s.backend.Get(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return SessionRecord{}, fmt.Errorf("session %q: %w", id, ErrNotFound)
		}
		return SessionRecord{}, err
	}
	var rec SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return SessionRecord{}, fmt.Errorf("decode session %q: %w", id, err)
	}
	return rec, nil
}

// UpdateSession applies fn to the stored record and writes it back.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(*SessionRecord)) (SessionRecord, error) {
	rec, err := s.GetSession(ctx, id)
	if err != nil {
		return SessionRecord{}, err
	}
	fn(&rec)
	rec.ID = id
	rec.UpdatedAt = s.now()
	if err := s.putSession(ctx, rec); err != nil {
		return SessionRecord{}, err
	}
	return rec, nil
}

func (s *Store) putSession(ctx context.Context, rec SessionRecord) error {
	out, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.backend.Set(ctx, sessionKey(rec.ID), string(out))
}

// ListSessions returns every stored session, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	keys, err := s.backend.ListKeys(ctx, sessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("list session keys: %w", err)
	}
	var out []SessionRecord
	for _, key := range keys {
		id := sessionIDFromKey(key)
		if id == "" {
			continue
		}
		rec, err := s.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, rec)
	}
	slices.SortStableFunc(out, func(a, b SessionRecord) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out, nil
}

// MarkAllDetached flips every active record to detached. Run once at startup
// before any session is loaded. Archived records are left alone.
func (s *Store) MarkAllDetached(ctx context.Context) (int, error) {
	recs, err := s.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if rec.Status != SessionStatusActive {
			continue
		}
		if _, err := s.UpdateSession(ctx, rec.ID, func(r *SessionRecord) { r.Status = SessionStatusDetached }); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Store) AppendMessage(ctx context.Context, id string, msg Message) error {
	role := strings.ToLower(strings.TrimSpace(msg.Role))
	switch role {
	case "system", "user", "assistant", "tool":
	default:
		return fmt.Errorf("invalid role %q", msg.Role)
	}
	msg.Role = role
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := s.backend.Push(ctx, messagesKey(id), string(out)); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// RecentMessages returns the newest limit messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, id string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	raw, err := s.backend.Range(ctx, messagesKey(id), limit)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) CountMessages(ctx context.Context, id string) (int, error) {
	return s.backend.Len(ctx, messagesKey(id))
}

// TrimHistory keeps only the newest keep messages for a session.
func (s *Store) TrimHistory(ctx context.Context, id string, keep int) error {
	return s.backend.Trim(ctx, messagesKey(id), keep)
}

func (s *Store) SaveUsage(ctx context.Context, id string, u Usage) error {
	out, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	return s.backend.Set(ctx, usageKey(id), string(out))
}

// LoadUsage returns the stored snapshot; ok is false when none was recorded yet.
func (s *Store) LoadUsage(ctx context.Context, id string) (Usage, bool, error) {
	raw, err := s.backend.Get(ctx, usageKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Usage{}, false, nil
		}
		return Usage{}, false, err
	}
	var u Usage
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return Usage{}, false, fmt.Errorf("decode usage: %w", err)
	}
	return u, true, nil
}

func (s *Store) SessionAllowedTools(ctx context.Context, id string) ([]string, error) {
	return s.backend.Members(ctx, allowedToolsKey(id))
}

func (s *Store) AddSessionAllowedTool(ctx context.Context, id, pattern string) error {
	return s.backend.AddToSet(ctx, allowedToolsKey(id), pattern)
}

func (s *Store) RemoveSessionAllowedTool(ctx context.Context, id, pattern string) error {
	return s.backend.RemoveFromSet(ctx, allowedToolsKey(id), pattern)
}

func (s *Store) AllowedDirectories(ctx context.Context, id string) ([]string, error) {
	return s.backend.Members(ctx, allowedDirsKey(id))
}

func (s *Store) AddAllowedDirectory(ctx context.Context, id, dir string) error {
	return s.backend.AddToSet(ctx, allowedDirsKey(id), dir)
}

func (s *Store) RemoveAllowedDirectory(ctx context.Context, id, dir string) error {
	return s.backend.RemoveFromSet(ctx, allowedDirsKey(id), dir)
}

func (s *Store) GlobalAllowedTools(ctx context.Context) ([]string, error) {
	return s.backend.Members(ctx, globalAllowedKey)
}

func (s *Store) AddGlobalAllowedTool(ctx context.Context, pattern string) error {
	return s.backend.AddToSet(ctx, globalAllowedKey, pattern)
}

func (s *Store) RemoveGlobalAllowedTool(ctx context.Context, pattern string) error {
	return s.backend.RemoveFromSet(ctx, globalAllowedKey, pattern)
}

func (s *Store) PushHandoff(ctx context.Context, target string, msg HandoffMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.QueuedAt.IsZero() {
		msg.QueuedAt = s.now()
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode handoff: %w", err)
	}
	if err := s.backend.Push(ctx, handoffKey(target), string(out)); err != nil {
		return fmt.Errorf("queue handoff: %w", err)
	}
	return nil
}

// TakeHandoffs returns every queued message for target, oldest first, and clears the queue.
func (s *Store) TakeHandoffs(ctx context.Context, target string) ([]HandoffMessage, error) {
	raw, err := s.backend.Take(ctx, handoffKey(target))
	if err != nil {
		return nil, fmt.Errorf("drain handoffs: %w", err)
	}
	return decodeHandoffs(raw)
}

// PeekHandoffs returns the queued messages without clearing them.
func (s *Store) PeekHandoffs(ctx context.Context, target string) ([]HandoffMessage, error) {
	raw, err := s.backend.Range(ctx, handoffKey(target), 0)
	if err != nil {
		return nil, fmt.Errorf("peek handoffs: %w", err)
	}
	return decodeHandoffs(raw)
}

// HandoffTargets lists every session id with a non-empty queue.
func (s *Store) HandoffTargets(ctx context.Context) ([]string, error) {
	keys, err := s.backend.ListKeys(ctx, handoffPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, handoffPrefix))
	}
	return out, nil
}

func decodeHandoffs(raw []string) ([]HandoffMessage, error) {
	out := make([]HandoffMessage, 0, len(raw))
	for _, item := range raw {
		var m HandoffMessage
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("decode handoff: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}
