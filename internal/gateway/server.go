// Package gateway bridges WebSocket clients to terminal sessions.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/entl/termhub/internal/history"
	"github.com/entl/termhub/internal/metrics"
	"github.com/entl/termhub/internal/protocol"
	"github.com/entl/termhub/internal/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const requestTimeout = 10 * time.Second

// HistoryReader loads persisted session history.
type HistoryReader interface {
	Load(ctx context.Context, key string) (*history.Record, error)
}

// Config holds gateway configuration
type Config struct {
	AllowedOrigins []string
	Sessions       *session.Registry
	History        HistoryReader
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
}

// Server upgrades HTTP requests to WebSocket connections and relays events
// between clients and their sessions.
type Server struct {
	sessions *session.Registry
	history  HistoryReader
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	clients  *clientRegistry

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	handlers       sync.WaitGroup
}

// NewServer creates a gateway.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("history reader is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	return &Server{
		sessions: cfg.Sessions,
		history:  cfg.History,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With().Str("component", "gateway").Logger(),
		clients:  newClientRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}, nil
}

// originChecker allows requests without an Origin header, and any origin
// when the list contains "*".
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, o := range allowed {
		if o == "*" {
			wildcard = true
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeHTTP handles WebSocket connections
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Check if shutting down
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.handlers.Add(1)
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.handlers.Done()
		s.logger.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("Failed to upgrade connection")
		return
	}

	client := newClient(conn, r.RemoteAddr, s.logger)
	s.clients.add(client)
	s.metrics.ConnectionsActive.Inc()

	s.logger.Info().
		Str("connId", client.ID()).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go client.writePump()
	go s.handleClient(client)
}

// handleClient reads messages from a client until it disconnects.
func (s *Server) handleClient(c *Client) {
	defer func() {
		s.detach(c)
		c.Close()
		s.clients.remove(c.ID())
		s.metrics.ConnectionsActive.Dec()
		s.logger.Info().Str("connId", c.ID()).Msg("Client disconnected")
		s.handlers.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("connId", c.ID()).Msg("WebSocket error")
			}
			return
		}
		s.handleMessage(c, message)
	}
}

// detach removes c from its session. A client dropped for falling behind
// leaves its session running, so reconnecting catches it up from the
// replay buffer instead of finding a new shell.
func (s *Server) detach(c *Client) {
	if c.Dropped() {
		s.sessions.Detach(c.ID())
		return
	}
	s.sessions.Leave(c.ID())
}

// handleMessage dispatches a single message from a client
func (s *Server) handleMessage(c *Client, message []byte) {
	env, err := protocol.Decode(message)
	if err != nil {
		c.Send(protocol.Error{Message: "Malformed message"})
		return
	}

	switch env.Event {
	case protocol.EventJoinSession:
		s.handleJoin(c, env.Data)
	case protocol.EventInput:
		s.handleInput(c, env.Data)
	case protocol.EventResize:
		s.handleResize(c, env.Data)
	case protocol.EventGetHistory:
		s.handleGetHistory(c, env.Data)
	case protocol.EventSaveHistory:
		s.handleSaveHistory(c, env.Data)
	default:
		s.logger.Debug().Str("connId", c.ID()).Str("event", env.Event).Msg("Unknown event")
		c.Send(protocol.Error{Message: "Unknown event: " + env.Event})
	}
}

func (s *Server) handleJoin(c *Client, data json.RawMessage) {
	req, err := protocol.ParseJoin(data)
	if err != nil {
		c.Send(protocol.Error{Message: "Invalid join request: sessionId is required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	sess, created, err := s.sessions.Join(ctx, req, c)
	if err != nil {
		if errors.Is(err, history.ErrInvalidKey) {
			c.Send(protocol.Error{Message: "Invalid session id"})
			return
		}
		s.logger.Error().Err(err).Str("connId", c.ID()).Str("sessionKey", req.SessionID).Msg("Failed to create terminal")
		c.Send(protocol.Error{Message: "Failed to create terminal"})
		return
	}

	s.logger.Info().
		Str("connId", c.ID()).
		Str("sessionKey", sess.Key).
		Bool("created", created).
		Int("cols", req.Cols).
		Int("rows", req.Rows).
		Msg("Client joined session")
}

func (s *Server) handleInput(c *Client, data json.RawMessage) {
	input, err := protocol.ParseString(data)
	if err != nil {
		c.Send(protocol.Error{Message: "Malformed input"})
		return
	}

	if err := s.sessions.Write(c.ID(), input); err != nil {
		if errors.Is(err, session.ErrNotAttached) {
			s.logger.Debug().Str("connId", c.ID()).Msg("Input from unattached client")
			return
		}
		s.logger.Warn().Err(err).Str("connId", c.ID()).Msg("Error writing to terminal")
		c.Send(protocol.Output(fmt.Sprintf("\r\n\x1b[31mError processing input: %s\x1b[0m\r\n", err)))
	}
}

func (s *Server) handleResize(c *Client, data json.RawMessage) {
	req, err := protocol.ParseResize(data)
	if err != nil {
		s.logger.Debug().Err(err).Str("connId", c.ID()).Msg("Ignoring bad resize")
		return
	}
	if err := s.sessions.Resize(c.ID(), req.Cols, req.Rows); err != nil && !errors.Is(err, session.ErrNotAttached) {
		s.logger.Warn().Err(err).Str("connId", c.ID()).Msg("Error resizing terminal")
	}
}

func (s *Server) handleGetHistory(c *Client, data json.RawMessage) {
	key, err := protocol.ParseString(data)
	if err != nil {
		c.Send(protocol.Error{Message: "Malformed get-history request"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	now := time.Now().UnixMilli()
	rec, err := s.history.Load(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("sessionKey", key).Msg("Error getting history")
		h := protocol.HistoryFromRecord(nil, now)
		h.Error = err.Error()
		c.Send(h)
		return
	}
	c.Send(protocol.HistoryFromRecord(rec, now))
}

// handleSaveHistory confirms that a live session's history is on disk.
// Requests for sessions that are not live or have nothing stored get no
// reply.
func (s *Server) handleSaveHistory(c *Client, data json.RawMessage) {
	key, err := protocol.ParseString(data)
	if err != nil {
		c.Send(protocol.Error{Message: "Malformed save-history request"})
		return
	}
	if s.sessions.Get(key) == nil {
		s.logger.Debug().Str("sessionKey", key).Msg("save-history for unknown session")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	rec, err := s.history.Load(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("sessionKey", key).Msg("Error saving history")
		c.Send(protocol.HistorySaved{Success: false, Error: err.Error()})
		return
	}
	if rec != nil {
		c.Send(protocol.HistorySaved{Success: true, Timestamp: time.Now().UnixMilli()})
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	return s.clients.count()
}

// Shutdown stops accepting connections, disconnects every client and waits
// for their handlers to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	clients := s.clients.all()
	for _, c := range clients {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Int("clients", len(clients)).Msg("Gateway stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway shutdown: %w", ctx.Err())
	}
}
