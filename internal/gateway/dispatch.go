package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel/codes"

	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/otel"
	"github.com/basket/agentdeck/internal/permission"
	"github.com/basket/agentdeck/internal/persistence"
	"github.com/basket/agentdeck/internal/session"
	"github.com/basket/agentdeck/internal/shared"
)

// handleFrame validates and dispatches one inbound frame under a fresh
// trace id. Failures are reported to the sending client only.
func (s *Server) handleFrame(ctx context.Context, c *client, f inboundFrame) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "gateway."+f.Type,
		otel.AttrFrameType.String(f.Type),
		otel.AttrClientID.String(c.id),
	)
	defer span.End()

	if err := s.schemas.validate(f.Type, f.Data); err != nil {
		span.SetStatus(codes.Error, "invalid frame")
		s.logger.DebugContext(ctx, "ws: invalid frame", "client_id", c.id, "type", f.Type, "error", err)
		s.replyError(ctx, c, sessionIDOf(f.Data), err.Error())
		return
	}
	s.logger.DebugContext(ctx, "ws: frame", "client_id", c.id, "type", f.Type, "session_id", sessionIDOf(f.Data))
	if err := s.dispatch(ctx, c, f); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.InfoContext(ctx, "ws: frame failed", "client_id", c.id, "type", f.Type, "error", err)
		s.replyError(ctx, c, sessionIDOf(f.Data), errorMessage(err))
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, f inboundFrame) error {
	sessions := s.cfg.Sessions
	switch f.Type {
	case FrameStartSession:
		var d startSessionData
		if err := decode(f.Data, &d); err != nil {
			return err
		}
		sub, err := sessions.StartOrResume(ctx, session.StartRequest{
			SessionID:          d.SessionID,
			ClientID:           c.id,
			WorkingDir:         d.WorkingDir,
			ResumeToken:        d.ResumeToken,
			PermissionMode:     d.PermissionMode,
			Fork:               d.Fork,
			Name:               d.Name,
			ClientMessageCount: d.ClientMessageCount,
		})
		if err != nil {
			return err
		}
		s.track(ctx, c, sub)
		return nil

	case FrameSendMessage:
		var d sendMessageData
		if err := decode(f.Data, &d); err != nil {
			return err
		}
		return sessions.SendMessage(ctx, d.SessionID, d.Content)

	case FramePermissionResponse:
		var d permissionResponseData
		if err := decode(f.Data, &d); err != nil {
			return err
		}
		behavior, err := permission.ParseBehavior(d.Behavior)
		if err != nil {
			return err
		}
		return sessions.RespondPermission(ctx, session.PermissionResponse{
			SessionID:      d.SessionID,
			RequestID:      d.RequestID,
			Behavior:       behavior,
			Input:          d.Input,
			Message:        d.Message,
			Remember:       d.Remember,
			Global:         d.Global,
			AllowDirectory: d.AllowDirectory,
		})

	case FrameAbort:
		var d sessionData
		if err := decode(f.Data, &d); err != nil {
			return err
		}
		return sessions.Abort(ctx, d.SessionID)

	case FrameForkSession:
		var d forkSessionData
		if err := decode(f.Data, &d); err != nil {
			return err
		}
		_, err := sessions.Fork(ctx, d.SessionID, d.Name)
		return err

	case FrameLeaveSession:
		var d sessionData
		if err := decode(f.Data, &d); err != nil {
			return err
		}
		s.untrack(c, d.SessionID)
		sessions.Leave(d.SessionID, c.id)
		return nil

	case FrameSetPermissionMode:
		var d permissionModeData
		if err := decode(f.Data, &d); err != nil {
			return err
		}
		return sessions.SetPermissionMode(ctx, d.SessionID, d.PermissionMode)

	case FrameRenameSession:
		var d forkSessionData
		if err := decode(f.Data, &d); err != nil {
			return err
		}
		if _, err := sessions.Rename(ctx, d.SessionID, d.Name); err != nil {
			return err
		}
		return s.replySessions(ctx, c)

	case FrameDeleteSession:
		var d sessionData
		if err := decode(f.Data, &d); err != nil {
			return err
		}
		s.untrack(c, d.SessionID)
		if err := sessions.Delete(ctx, d.SessionID); err != nil {
			return err
		}
		return s.replySessions(ctx, c)

	case FrameHandoff:
		var d handoffData
		if err := decode(f.Data, &d); err != nil {
			return err
		}
		_, err := sessions.Handoff(ctx, d.FromSessionID, d.SessionID, d.Content)
		return err

	case FrameListSessions:
		return s.replySessions(ctx, c)

	case FrameRemoveAllowedTool:
		var d patternData
		if err := decode(f.Data, &d); err != nil {
			return err
		}
		return sessions.RemoveAllowedTool(ctx, d.SessionID, d.Pattern)

	case FrameRemoveAllowedDirectory:
		var d directoryData
		if err := decode(f.Data, &d); err != nil {
			return err
		}
		return sessions.RemoveAllowedDirectory(ctx, d.SessionID, d.Directory)

	case FrameRemoveGlobalAllowedTool:
		var d patternData
		if err := decode(f.Data, &d); err != nil {
			return err
		}
		return sessions.RemoveGlobalAllowedTool(ctx, d.Pattern)
	}
	return errors.New("unsupported frame type " + f.Type)
}

func (s *Server) replySessions(ctx context.Context, c *client) error {
	list, err := s.cfg.Sessions.List(ctx)
	if err != nil {
		return err
	}
	return c.write(ctx, bus.TypeSessions, session.SessionsPayload{Sessions: list})
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func sessionIDOf(data json.RawMessage) string {
	var d sessionData
	_ = json.Unmarshal(data, &d)
	return d.SessionID
}

// errorMessage maps internal errors to the text clients see.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, persistence.ErrNotFound):
		return "session not found"
	case errors.Is(err, session.ErrBusy):
		return "session is busy; wait for the current turn to finish"
	case errors.Is(err, session.ErrNoResumeToken):
		return "session has no conversation to fork yet"
	case errors.Is(err, permission.ErrNotFound):
		return "permission request is no longer pending"
	}
	return err.Error()
}
