package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/agentdeck/internal/allowlist"
	"github.com/basket/agentdeck/internal/audit"
	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/executor"
	"github.com/basket/agentdeck/internal/otel"
	"github.com/basket/agentdeck/internal/permission"
	"github.com/basket/agentdeck/internal/persistence"
	"github.com/basket/agentdeck/internal/shared"
)

// PermissionResponse is a human's answer to a permission_request.
type PermissionResponse struct {
	SessionID string
	RequestID string
	Behavior  permission.Behavior
	// Input replaces the tool input when the human edited it.
	Input   json.RawMessage
	Message string
	// Remember adds the request's pattern to the session allowlist, or to
	// the global one when Global is set.
	Remember bool
	Global   bool
	// AllowDirectory approves the parent directory of a file tool's target.
	AllowDirectory bool
}

// authorizer bridges the executor's callback onto the session's gate. It
// answers immediately when the allowlist or permission mode approves the
// request and otherwise blocks until a client answers or the turn aborts.
func (m *Manager) authorizer(st *State, gen uint64) executor.AuthorizeFunc {
	return func(ctx context.Context, toolUseID, toolName string, input json.RawMessage) (permission.Decision, error) {
		st.mu.Lock()
		if st.turnGen != gen {
			st.mu.Unlock()
			return permission.Decision{}, permission.ErrCancelled
		}
		id := st.rec.ID
		mode := st.rec.PermissionMode
		verdict := allowlist.Evaluate(
			allowlist.Request{ToolName: toolName, Input: input},
			allowlist.Scope{
				Session:     st.scopeTools(),
				Global:      m.global.Snapshot(),
				WorkingDir:  st.rec.WorkingDir,
				AllowedDirs: st.scopeDirs(),
			},
		)

		reason := string(verdict.Source)
		allowed := verdict.Allowed
		switch {
		case mode == persistence.PermissionModeBypass:
			allowed, reason = true, "bypass"
		case !allowed && mode == persistence.PermissionModeAcceptEdits &&
			allowlist.IsShellTool(toolName) && allowlist.FilesystemOnly(allowlist.Command(input)):
			allowed, reason = true, "accept_edits"
		}
		if allowed {
			st.mu.Unlock()
			audit.Record(audit.DecisionAutoAllow, toolName, reason, m.global.Version(), id, verdict.Pattern)
			m.recordDecision(ctx, audit.DecisionAutoAllow)
			return permission.Allow(input), nil
		}

		if toolUseID == "" {
			toolUseID = uuid.NewString()
		}
		if err := m.claimRequest(toolUseID, id); err != nil {
			st.mu.Unlock()
			return permission.Decision{}, err
		}
		defer m.releaseRequest(toolUseID, id)
		pending, err := st.gate.Register(permission.Request{
			ID:       toolUseID,
			ToolName: toolName,
			Input:    input,
			Pattern:  verdict.Pattern,
		})
		if err != nil {
			st.mu.Unlock()
			return permission.Decision{}, err
		}
		m.bus.Publish(id, bus.Event{Type: bus.TypePermissionRequest, Payload: requestPayload(id, pending.Request)})
		st.mu.Unlock()
		m.logger.InfoContext(ctx, "permission requested", "session_id", id, "request_id", toolUseID, "tool", toolName)

		started := time.Now()
		d, err := pending.Wait(ctx)
		m.metrics.PermissionWait.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(otel.AttrToolName.String(toolName)))
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, permission.ErrCancelled) {
			// The executor gave up on the request; clients drop the prompt.
			st.mu.Lock()
			m.bus.Publish(id, bus.Event{Type: bus.TypePermissionResolved, Payload: PermissionResolvedPayload{
				SessionID: id,
				RequestID: toolUseID,
				Cancelled: true,
			}})
			st.mu.Unlock()
			audit.Record(audit.DecisionCancel, toolName, "executor cancelled", m.global.Version(), id, verdict.Pattern)
			m.recordDecision(ctx, audit.DecisionCancel)
		}
		return permission.Decision{}, fmt.Errorf("permission %s: %w", toolUseID, permission.ErrCancelled)
	}
}

// RespondPermission resolves a pending request. An allow with Remember or
// AllowDirectory also extends the matching allow set, so later requests of
// the same shape are approved without asking.
func (m *Manager) RespondPermission(ctx context.Context, resp PermissionResponse) error {
	st := m.get(resp.SessionID)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, resp.SessionID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	id := st.rec.ID

	req, ok := st.gate.Lookup(resp.RequestID)
	if !ok {
		return fmt.Errorf("%w: %s", permission.ErrNotFound, resp.RequestID)
	}
	var d permission.Decision
	switch resp.Behavior {
	case permission.BehaviorAllow:
		input := resp.Input
		if len(input) == 0 {
			input = req.Input
		}
		d = permission.Allow(input)
	case permission.BehaviorDeny:
		d = permission.Deny(resp.Message)
	default:
		return fmt.Errorf("respond permission: unknown behavior %q", resp.Behavior)
	}
	if _, err := st.gate.Resolve(req.ID, d); err != nil {
		return err
	}

	if resp.Behavior == permission.BehaviorAllow {
		m.rememberLocked(ctx, st, req, resp)
	}
	m.bus.Publish(id, bus.Event{Type: bus.TypePermissionResolved, Payload: PermissionResolvedPayload{
		SessionID: id,
		RequestID: req.ID,
		Behavior:  string(resp.Behavior),
	}})
	// Busy again while the turn's stream is open, even after an error event.
	if st.turn != nil {
		st.thinking = true
	} else {
		m.logger.WarnContext(ctx, "permission resolved with no running turn", "session_id", id, "request_id", req.ID)
	}
	m.publishThinkingLocked(st)

	decision := audit.DecisionAllow
	if resp.Behavior == permission.BehaviorDeny {
		decision = audit.DecisionDeny
	}
	reason := "user"
	switch {
	case resp.AllowDirectory:
		reason = "user_directory"
	case resp.Remember && resp.Global:
		reason = "user_remember_global"
	case resp.Remember:
		reason = "user_remember"
	}
	audit.Record(decision, req.ToolName, reason, m.global.Version(), id, req.Pattern)
	m.recordDecision(ctx, decision)
	m.logger.InfoContext(ctx, "permission resolved",
		"session_id", id,
		"request_id", req.ID,
		"client_id", shared.ClientID(ctx),
		"behavior", resp.Behavior,
		"remember", resp.Remember,
	)
	return nil
}

// claimRequest records that id is pending in sessionID. An id already
// pending anywhere is refused.
func (m *Manager) claimRequest(id, sessionID string) error {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	if owner, ok := m.requests[id]; ok {
		return fmt.Errorf("%w: %s (session %s)", permission.ErrDuplicate, id, owner)
	}
	m.requests[id] = sessionID
	return nil
}

func (m *Manager) releaseRequest(id, sessionID string) {
	m.reqMu.Lock()
	defer m.reqMu.Unlock()
	if m.requests[id] == sessionID {
		delete(m.requests, id)
	}
}

func (m *Manager) rememberLocked(ctx context.Context, st *State, req permission.Request, resp PermissionResponse) {
	id := st.rec.ID
	if resp.AllowDirectory && allowlist.IsFileTool(req.ToolName) {
		if p := allowlist.FilePath(req.Input); p != "" {
			dir := allowlist.ParentDir(p, st.rec.WorkingDir)
			if !slices.Contains(st.dirs, dir) {
				st.dirs = append(st.dirs, dir)
				if err := m.store.AddAllowedDirectory(ctx, id, dir); err != nil {
					m.logger.Warn("persist allowed directory failed", "session_id", id, "error", err)
				}
			}
			m.publishDirsLocked(st)
			return
		}
	}
	if !resp.Remember || req.Pattern == "" {
		return
	}
	if resp.Global {
		if err := m.global.Add(ctx, req.Pattern); err != nil {
			m.logger.Error("remember global pattern failed", "pattern", req.Pattern, "error", err)
			m.publishErrorLocked(st, "could not save global approval: "+err.Error())
			return
		}
		m.publishGlobal()
		return
	}
	if !slices.Contains(st.tools, req.Pattern) {
		st.tools = append(st.tools, req.Pattern)
		if err := m.store.AddSessionAllowedTool(ctx, id, req.Pattern); err != nil {
			m.logger.Warn("persist allowed tool failed", "session_id", id, "error", err)
		}
	}
	m.publishToolsLocked(st)
}

// RemoveAllowedTool revokes a remembered session pattern.
func (m *Manager) RemoveAllowedTool(ctx context.Context, id, pattern string) error {
	st := m.get(id)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if i := slices.Index(st.tools, pattern); i >= 0 {
		st.tools = slices.Delete(st.tools, i, i+1)
		if err := m.store.RemoveSessionAllowedTool(ctx, id, pattern); err != nil {
			m.logger.Warn("persist allowed tool removal failed", "session_id", id, "error", err)
		}
	}
	m.publishToolsLocked(st)
	return nil
}

func (m *Manager) RemoveAllowedDirectory(ctx context.Context, id, dir string) error {
	st := m.get(id)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if i := slices.Index(st.dirs, dir); i >= 0 {
		st.dirs = slices.Delete(st.dirs, i, i+1)
		if err := m.store.RemoveAllowedDirectory(ctx, id, dir); err != nil {
			m.logger.Warn("persist allowed directory removal failed", "session_id", id, "error", err)
		}
	}
	m.publishDirsLocked(st)
	return nil
}

func (m *Manager) RemoveGlobalAllowedTool(ctx context.Context, pattern string) error {
	if err := m.global.Remove(ctx, pattern); err != nil {
		return err
	}
	m.publishGlobal()
	return nil
}

func (m *Manager) publishToolsLocked(st *State) {
	m.bus.Publish(st.rec.ID, bus.Event{Type: bus.TypeAllowedTools, Payload: AllowedToolsPayload{
		SessionID: st.rec.ID,
		Tools:     st.scopeTools(),
	}})
}

func (m *Manager) publishDirsLocked(st *State) {
	m.bus.Publish(st.rec.ID, bus.Event{Type: bus.TypeAllowedDirectories, Payload: AllowedDirectoriesPayload{
		SessionID:   st.rec.ID,
		Directories: st.scopeDirs(),
	}})
}

func (m *Manager) publishGlobal() {
	m.bus.PublishAll(bus.Event{Type: bus.TypeGlobalAllowedTools, Payload: AllowedToolsPayload{
		Tools: m.global.Snapshot(),
	}})
}

func (m *Manager) recordDecision(ctx context.Context, outcome string) {
	m.metrics.PermissionDecisions.Add(ctx, 1, metric.WithAttributes(otel.AttrOutcome.String(outcome)))
}
