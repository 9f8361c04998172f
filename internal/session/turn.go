package session

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentdeck/internal/audit"
	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/executor"
	"github.com/basket/agentdeck/internal/handoff"
	"github.com/basket/agentdeck/internal/otel"
	"github.com/basket/agentdeck/internal/permission"
	"github.com/basket/agentdeck/internal/persistence"
)

// SendMessage starts a turn with content. A busy session rejects the
// message with ErrBusy; cross-session sends go through Handoff instead.
func (m *Manager) SendMessage(ctx context.Context, id, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("send message: empty content")
	}
	st := m.get(id)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.thinking {
		m.logger.WarnContext(ctx, "message dropped: session busy", "session_id", id)
		return fmt.Errorf("%w: %s", ErrBusy, id)
	}
	return m.startTurnLocked(ctx, st, content)
}

// TrySend starts a turn only if the session is loaded, idle and has no
// handoff backlog ahead of content.
func (m *Manager) TrySend(ctx context.Context, id, content string) (bool, error) {
	st := m.get(id)
	if st == nil {
		return false, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.thinking || len(st.backlog) > 0 {
		return false, nil
	}
	if err := m.startTurnLocked(ctx, st, content); err != nil {
		return false, err
	}
	return true, nil
}

// Kick sends the next queued handoff if the session is loaded and idle.
func (m *Manager) Kick(ctx context.Context, id string) {
	st := m.get(id)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	m.deliverNextLocked(ctx, st)
}

func (m *Manager) deliverNextLocked(ctx context.Context, st *State) {
	if st.thinking {
		return
	}
	id := st.rec.ID
	if len(st.backlog) == 0 {
		msgs, err := m.handoffs.Drain(ctx, id)
		if err != nil {
			m.logger.Error("drain handoff queue failed", "session_id", id, "error", err)
			return
		}
		st.backlog = msgs
	}
	if len(st.backlog) == 0 {
		return
	}
	next := st.backlog[0]
	st.backlog = st.backlog[1:]
	m.logger.Info("delivering handoff", "session_id", id, "from_session", next.FromSession, "remaining", len(st.backlog))
	if err := m.startTurnLocked(ctx, st, next.Content); err != nil {
		st.backlog = append([]handoff.Message{next}, st.backlog...)
		return
	}
	m.publishQueueLocked(ctx, st)
}

// Handoff delivers content from one session to another, queueing it
// durably when the target is busy or not loaded.
func (m *Manager) Handoff(ctx context.Context, from, target, content string) (handoff.Delivery, error) {
	msg := handoff.Message{FromSession: from, Content: content}
	got, err := m.handoffs.Deliver(ctx, m, target, msg)
	if err != nil {
		return "", err
	}
	if got == handoff.Queued {
		if st := m.get(target); st != nil {
			st.mu.Lock()
			m.publishQueueLocked(ctx, st)
			st.mu.Unlock()
		}
	}
	return got, nil
}

func (m *Manager) queuedLocked(ctx context.Context, st *State) []handoff.Message {
	durable, err := m.handoffs.Peek(ctx, st.rec.ID)
	if err != nil {
		m.logger.Warn("peek handoff queue failed", "session_id", st.rec.ID, "error", err)
	}
	return append(slices.Clone(st.backlog), durable...)
}

func (m *Manager) publishQueueLocked(ctx context.Context, st *State) {
	m.bus.Publish(st.rec.ID, bus.Event{Type: bus.TypeHandoffQueue, Payload: HandoffQueuePayload{
		SessionID: st.rec.ID,
		Messages:  m.queuedLocked(ctx, st),
	}})
}

func (m *Manager) startTurnLocked(ctx context.Context, st *State, content string) error {
	id := st.rec.ID
	now := time.Now().UTC()
	m.appendLocked(ctx, st, persistence.Message{Role: "user", Content: content, Timestamp: now})
	st.thinking = true
	m.publishThinkingLocked(st)

	st.turnGen++
	gen := st.turnGen
	fork := st.forkNext
	turnCtx, span := otel.StartSpan(context.WithoutCancel(ctx), m.tracer, "session.turn",
		otel.AttrSessionID.String(id),
		otel.AttrFork.Bool(fork),
	)
	turn, err := m.exec.Start(turnCtx, executor.TurnRequest{
		SessionID:      id,
		Prompt:         content,
		WorkingDir:     st.rec.WorkingDir,
		ResumeToken:    st.rec.ResumeToken,
		Fork:           fork,
		PermissionMode: string(st.rec.PermissionMode),
		Authorize:      m.authorizer(st, gen),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		st.thinking = false
		m.logger.ErrorContext(ctx, "executor start failed", "session_id", id, "error", err)
		m.publishErrorLocked(st, fmt.Sprintf("start turn: %v", err))
		m.publishThinkingLocked(st)
		return fmt.Errorf("start turn: %w", err)
	}
	st.forkNext = false
	st.turn = turn
	st.turnStarted = now
	m.metrics.ActiveTurns.Add(turnCtx, 1)
	go m.consume(turnCtx, span, st, gen, turn)
	return nil
}

// consume reads one turn's events until the stream closes.
func (m *Manager) consume(ctx context.Context, span trace.Span, st *State, gen uint64, turn executor.Turn) {
	defer span.End()
	defer m.metrics.ActiveTurns.Add(ctx, -1)

	for ev := range turn.Events() {
		if m.handleEvent(ctx, span, st, gen, ev) {
			m.Kick(ctx, st.rec.ID)
		}
	}

	st.mu.Lock()
	ended := false
	if st.turn == turn {
		st.turn = nil
	}
	if st.turnGen == gen && st.thinking {
		// The stream closed without a result or error event.
		st.thinking = false
		m.logger.Warn("turn ended without result", "session_id", st.rec.ID)
		m.publishErrorLocked(st, "agent turn ended without a result")
		m.publishThinkingLocked(st)
		span.SetStatus(codes.Error, "no result")
		ended = true
	}
	st.mu.Unlock()
	if ended {
		m.Kick(ctx, st.rec.ID)
	}
}

// handleEvent applies one executor event and reports whether the turn
// finished.
func (m *Manager) handleEvent(ctx context.Context, span trace.Span, st *State, gen uint64, ev executor.Event) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.turnGen != gen || !st.thinking {
		m.logger.Debug("stale executor event ignored", "session_id", st.rec.ID, "kind", ev.Kind)
		return false
	}
	id := st.rec.ID

	switch ev.Kind {
	case executor.EventInit:
		if ev.ResumeToken != "" && ev.ResumeToken != st.rec.ResumeToken {
			st.rec.ResumeToken = ev.ResumeToken
			token := ev.ResumeToken
			if _, err := m.store.UpdateSession(ctx, id, func(r *persistence.SessionRecord) { r.ResumeToken = token }); err != nil {
				m.logger.Warn("persist resume token failed", "session_id", id, "error", err)
			}
		}
		if len(ev.Commands) > 0 && !slices.Equal(ev.Commands, st.commands) {
			st.commands = slices.Clone(ev.Commands)
			m.bus.Publish(id, bus.Event{Type: bus.TypeAvailableCommands, Payload: CommandsPayload{
				SessionID: id,
				Commands:  slices.Clone(st.commands),
			}})
		}

	case executor.EventAssistant, executor.EventUser:
		if ev.Content == "" {
			return false
		}
		role := "assistant"
		if ev.Kind == executor.EventUser {
			role = "user"
		}
		m.appendLocked(ctx, st, persistence.Message{Role: role, Content: ev.Content, Timestamp: time.Now().UTC()})

	case executor.EventToolResult:
		m.bus.Publish(id, bus.Event{Type: bus.TypeToolResult, Payload: ToolResultPayload{
			SessionID: id,
			ToolUseID: ev.ToolUseID,
			Result:    ev.Result,
		}})

	case executor.EventResult:
		usage := persistence.Usage{
			InputTokens:         ev.Usage.InputTokens,
			OutputTokens:        ev.Usage.OutputTokens,
			CacheReadTokens:     ev.Usage.CacheReadTokens,
			CacheCreationTokens: ev.Usage.CacheCreationTokens,
			TotalTokensUsed:     ev.Usage.Total(),
			ContextWindow:       ev.ContextWindow,
			TotalCostUSD:        ev.TotalCostUSD,
		}
		st.usage, st.hasUsage = usage, true
		if err := m.store.SaveUsage(ctx, id, usage); err != nil {
			m.logger.Warn("persist usage failed", "session_id", id, "error", err)
		}
		m.bus.Publish(id, bus.Event{Type: bus.TypeResult, Payload: resultPayload(id, usage)})
		m.finishTurnLocked(ctx, span, st)
		m.metrics.TokensUsed.Add(ctx, int64(usage.TotalTokensUsed))
		span.SetAttributes(otel.AttrTokensUsed.Int(usage.TotalTokensUsed))
		m.logger.InfoContext(ctx, "turn finished", "session_id", id, "tokens", usage.TotalTokensUsed, "cost_usd", usage.TotalCostUSD)
		return true

	case executor.EventError:
		msg := ev.Error
		if msg == "" {
			msg = "agent turn failed"
		}
		m.logger.ErrorContext(ctx, "turn failed", "session_id", id, "error", msg)
		m.publishErrorLocked(st, msg)
		m.finishTurnLocked(ctx, span, st)
		span.SetStatus(codes.Error, msg)
		return true
	}
	return false
}

// finishTurnLocked clears the busy flag and always broadcasts it, even if a
// permission answer re-sent thinking=true a moment earlier. The turn stays
// referenced until its stream closes.
func (m *Manager) finishTurnLocked(ctx context.Context, span trace.Span, st *State) {
	st.thinking = false
	m.publishThinkingLocked(st)
	if !st.turnStarted.IsZero() {
		m.metrics.TurnDuration.Record(ctx, time.Since(st.turnStarted).Seconds(),
			metric.WithAttributes(otel.AttrSessionID.String(st.rec.ID)))
	}
}

// Abort cancels the in-flight turn, rejects every pending permission
// request and clears the busy flag. Events the executor still emits for
// the aborted turn are ignored. An aborted turn has ended, so the next
// queued handoff is delivered.
func (m *Manager) Abort(ctx context.Context, id string) error {
	st := m.get(id)
	if st == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	st.mu.Lock()
	m.abortLocked(ctx, st)
	st.mu.Unlock()
	m.Kick(ctx, id)
	return nil
}

func (m *Manager) abortLocked(ctx context.Context, st *State) {
	id := st.rec.ID
	st.turnGen++
	for _, req := range st.gate.CancelAll() {
		m.bus.Publish(id, bus.Event{Type: bus.TypePermissionResolved, Payload: PermissionResolvedPayload{
			SessionID: id,
			RequestID: req.ID,
			Cancelled: true,
		}})
		audit.Record(audit.DecisionCancel, req.ToolName, "turn aborted", m.global.Version(), id, req.Pattern)
		m.recordDecision(ctx, audit.DecisionCancel)
	}
	wasThinking := st.thinking
	st.thinking = false
	m.publishThinkingLocked(st)
	if st.turn != nil {
		st.turn.Abort()
		st.turn = nil
	}
	if wasThinking {
		m.logger.InfoContext(ctx, "turn aborted", "session_id", id)
	}
}

// appendLocked persists msg before broadcasting it so a reconnect never
// replays less than was seen live. Only the newest historyLimit entries
// stay in memory; indexes stay absolute.
func (m *Manager) appendLocked(ctx context.Context, st *State, msg persistence.Message) {
	id := st.rec.ID
	if err := m.store.AppendMessage(ctx, id, msg); err != nil {
		m.logger.Warn("persist message failed", "session_id", id, "role", msg.Role, "error", err)
	}
	st.history = append(st.history, msg)
	if over := len(st.history) - m.historyLimit; over > 0 {
		st.history = slices.Delete(st.history, 0, over)
		st.base += over
	}
	m.bus.Publish(id, bus.Event{Type: bus.TypeMessage, Payload: MessagePayload{
		SessionID: id,
		Index:     st.historyLen() - 1,
		Message:   messageBody(msg),
	}})
}

func (m *Manager) publishThinkingLocked(st *State) {
	m.bus.Publish(st.rec.ID, bus.Event{Type: bus.TypeThinking, Payload: ThinkingPayload{
		SessionID: st.rec.ID,
		Thinking:  st.thinking,
	}})
}

func (m *Manager) publishErrorLocked(st *State, msg string) {
	m.bus.Publish(st.rec.ID, bus.Event{Type: bus.TypeError, Payload: ErrorPayload{
		SessionID: st.rec.ID,
		Message:   msg,
	}})
}

func requestPayload(sessionID string, req permission.Request) PermissionRequestPayload {
	return PermissionRequestPayload{
		SessionID: sessionID,
		RequestID: req.ID,
		ToolName:  req.ToolName,
		Input:     req.Input,
		Pattern:   req.Pattern,
	}
}

func resultPayload(sessionID string, u persistence.Usage) ResultPayload {
	return ResultPayload{
		SessionID:       sessionID,
		Usage:           u,
		TotalCostUSD:    u.TotalCostUSD,
		ContextWindow:   u.ContextWindow,
		TotalTokensUsed: u.TotalTokensUsed,
	}
}
