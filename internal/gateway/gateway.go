// Package gateway exposes the session manager to clients over a WebSocket.
// Every frame in either direction is {"type": ..., "data": {...}}.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentdeck/internal/audit"
	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/otel"
	"github.com/basket/agentdeck/internal/persistence"
	"github.com/basket/agentdeck/internal/session"
	"github.com/basket/agentdeck/internal/shared"
)

const (
	writeTimeout = 10 * time.Second
	// readLimit bounds one inbound frame.
	readLimit = 1 << 20
)

type Config struct {
	Sessions *session.Manager
	Store    *persistence.Store
	Bus      *bus.Bus

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string

	// FramesPerMinute and FrameBurst bound inbound frames per connection.
	// Zero uses the defaults.
	FramesPerMinute int
	FrameBurst      int

	Logger *slog.Logger
	Tracer trace.Tracer
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	schemas *frameSchemas

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	id      string
	conn    *websocket.Conn
	limiter *TokenBucket

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]*bus.Subscription
}

func New(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("gateway: session manager is required")
	}
	schemas, err := compileFrameSchemas()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Noop().Tracer
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		tracer:  tracer,
		schemas: schemas,
		clients: map[*client]struct{}{},
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return corsMiddleware(s.cfg.AllowOrigins)(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(r.Context()); err != nil {
			dbOK = false
		}
	}
	subscribers := 0
	if s.cfg.Bus != nil {
		subscribers = s.cfg.Bus.SubscriberCount()
	}
	s.clientsMu.RLock()
	clients := len(s.clients)
	s.clientsMu.RUnlock()

	payload := map[string]any{
		"healthy":         dbOK,
		"db_ok":           dbOK,
		"sessions_loaded": s.cfg.Sessions.Loaded(),
		"clients":         clients,
		"subscribers":     subscribers,
		"denials":         audit.DenyCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(readLimit)
	c := &client{
		id:      shared.NewClientID(),
		conn:    conn,
		limiter: NewTokenBucket(s.cfg.FramesPerMinute, s.cfg.FrameBurst),
		subs:    make(map[string]*bus.Subscription),
	}
	ctx, cancel := context.WithCancel(shared.WithClientID(r.Context(), c.id))
	s.addClient(c)
	logger := s.logger.With("client_id", c.id)
	logger.Info("ws: client connected", "remote", r.RemoteAddr)
	defer func() {
		cancel()
		s.removeClient(c)
		left := s.cfg.Sessions.LeaveAll(c.id)
		logger.Info("ws: client disconnected", "sessions", len(left))
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var f inboundFrame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				logger.Warn("ws: read error, closing", "error", err)
			}
			return
		}
		if !c.limiter.Allow() {
			s.replyError(ctx, c, "", "rate limit exceeded")
			continue
		}
		s.handleFrame(ctx, c, f)
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, typ string, data interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, outboundFrame{Type: typ, Data: data})
}

// track starts forwarding sub to the connection. A previous subscription to
// the same session was already closed by the bus when sub replaced it.
func (s *Server) track(ctx context.Context, c *client, sub *bus.Subscription) {
	c.subMu.Lock()
	c.subs[sub.SessionID()] = sub
	c.subMu.Unlock()
	go s.pump(ctx, c, sub)
}

func (s *Server) untrack(c *client, sessionID string) {
	c.subMu.Lock()
	delete(c.subs, sessionID)
	c.subMu.Unlock()
}

// pump forwards one subscription until its channel closes. An evicted
// subscriber missed events, so the connection is closed and the client is
// expected to reconnect and rejoin with its message count.
func (s *Server) pump(ctx context.Context, c *client, sub *bus.Subscription) {
	for ev := range sub.Ch() {
		if err := c.write(ctx, ev.Type, ev.Payload); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("ws: write failed", "client_id", c.id, "session_id", sub.SessionID(), "error", err)
			}
			return
		}
	}
	if sub.Overflowed() {
		s.logger.Warn("ws: subscriber fell behind, closing", "client_id", c.id, "session_id", sub.SessionID())
		_ = c.conn.Close(websocket.StatusTryAgainLater, "subscriber fell behind; rejoin to resync")
	}
}

func (s *Server) replyError(ctx context.Context, c *client, sessionID, msg string) {
	if err := c.write(ctx, bus.TypeError, session.ErrorPayload{SessionID: sessionID, Message: msg}); err != nil {
		s.logger.Debug("ws: error reply failed", "client_id", c.id, "error", err)
	}
}
