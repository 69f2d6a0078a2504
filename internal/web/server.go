package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/inercia/agentdeck/internal/logging"
	"github.com/inercia/agentdeck/internal/session"
	"github.com/inercia/agentdeck/internal/transcript"
)

// Config configures a Server.
type Config struct {
	Manager *session.Manager
	// Store backs the transcript listing. Optional.
	Store    *transcript.Store
	Security WebSocketSecurityConfig

	// RateLimit is the sustained inbound messages per second per connection,
	// with bursts of up to RateBurst. Zero disables rate limiting.
	RateLimit float64
	RateBurst int

	// IdleTTL and SweepInterval drive eviction of idle sessions. A zero
	// IdleTTL disables eviction.
	IdleTTL       time.Duration
	SweepInterval time.Duration

	Logger *slog.Logger
}

// Server is the HTTP server exposing the WebSocket transport and a small
// JSON API.
type Server struct {
	manager  *session.Manager
	store    *transcript.Store
	security WebSocketSecurityConfig
	upgrader websocket.Upgrader
	tracker  *ConnectionTracker
	logger   *slog.Logger

	rateLimit rate.Limit
	rateBurst int

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc
	clients    sync.WaitGroup
	sweeper    *sweeper

	mu       sync.Mutex
	shutdown bool
}

// NewServer creates a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("web: session manager is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Web()
	}
	security := cfg.Security.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		manager:   cfg.Manager,
		store:     cfg.Store,
		security:  security,
		upgrader:  newUpgrader(security, logger),
		tracker:   NewConnectionTracker(security.MaxConnectionsPerIP),
		logger:    logger,
		rateLimit: rate.Limit(cfg.RateLimit),
		rateBurst: cfg.RateBurst,
		ctx:       ctx,
		cancel:    cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /healthz", s.handleHealthCheck)
	s.httpServer = &http.Server{
		Handler:           s.loggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.IdleTTL > 0 {
		s.sweeper = newSweeper(cfg.Manager, cfg.IdleTTL, cfg.SweepInterval, logger)
		s.sweeper.Start()
	}

	logger.Info("web server initialized", "idle_ttl", cfg.IdleTTL, "rate_limit", cfg.RateLimit)
	return s, nil
}

// Handler returns the HTTP handler. Useful with httptest.Server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve serves HTTP on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("listening", "addr", listener.Addr().String())
	err := s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections, disconnects WebSocket clients and
// closes all sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	s.cancel()
	if s.sweeper != nil {
		s.sweeper.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.clients.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("timed out waiting for websocket clients")
	}

	s.manager.Close()
	return err
}

// IsShutdown reports whether Shutdown has been called.
func (s *Server) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// handleWS upgrades the request and serves the connection.
// Route: GET /ws[?sessionId=...]
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.IsShutdown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	ip := clientIP(r)
	if !s.tracker.TryAdd(ip) {
		s.logger.Warn("websocket rejected: too many connections", "client_ip", ip)
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.tracker.Remove(ip)
		s.logger.Debug("websocket upgrade failed", "client_ip", ip, "error", err)
		return
	}

	wsConn := NewWSConn(WSConnConfig{
		Conn:     conn,
		Config:   s.security,
		Logger:   s.logger,
		ClientIP: ip,
		Tracker:  s.tracker,
	})
	var limiter *rate.Limiter
	if s.rateLimit > 0 {
		burst := max(s.rateBurst, 1)
		limiter = rate.NewLimiter(s.rateLimit, burst)
	}
	client := newWSClient(s.ctx, wsConn, s.manager, limiter, s.logger)
	client.SetSessionID(r.URL.Query().Get("sessionId"))
	client.logger.Debug("websocket client connected", "client_ip", ip)

	s.clients.Add(1)
	go func() {
		defer s.clients.Done()
		client.run()
	}()
}

// sessionsResponse is the body of GET /api/sessions.
type sessionsResponse struct {
	Live        []session.State      `json:"live"`
	Transcripts []transcript.Summary `json:"transcripts"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	resp := sessionsResponse{
		Live:        s.manager.Sessions(),
		Transcripts: []transcript.Summary{},
	}
	if s.store != nil {
		list, err := s.store.List(r.Context())
		if err != nil {
			s.logger.Error("failed to list transcripts", "error", err)
			writeErrorJSON(w, http.StatusInternalServerError, "list_failed", "failed to list transcripts")
			return
		}
		resp.Transcripts = list
	}
	writeJSONOK(w, resp)
}

// sessionResponse is the body of GET /api/sessions/{id}.
type sessionResponse struct {
	SessionID string                  `json:"sessionId"`
	Live      *session.State          `json:"live,omitempty"`
	Messages  any                     `json:"messages"`
	Pending   *session.PendingToolUse `json:"pendingToolUse,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resp := sessionResponse{SessionID: id}

	if live, ok := s.manager.Lookup(id); ok {
		st := live.State()
		resp.Live = &st
		resp.Messages = live.Messages()
		if p, ok := live.PendingToolUse(); ok {
			resp.Pending = &p
		}
		writeJSONOK(w, resp)
		return
	}

	if s.store == nil {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	msgs, err := s.store.Read(r.Context(), id)
	switch {
	case errors.Is(err, transcript.ErrInvalidSessionID):
		writeErrorJSON(w, http.StatusBadRequest, "invalid_id", err.Error())
		return
	case err != nil:
		s.logger.Error("failed to read transcript", "session_id", id, "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, "read_failed", "failed to read transcript")
		return
	case len(msgs) == 0:
		writeErrorJSON(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	resp.Messages = msgs
	if p, ok := session.FindPendingToolUse(msgs, s.manager.ApprovalRules()); ok {
		resp.Pending = &p
	}
	writeJSONOK(w, resp)
}

// handleHealthCheck reports server health. It is not authenticated, for
// load balancers.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if s.IsShutdown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"reason": "server_shutting_down",
		})
		return
	}

	live := s.manager.Sessions()
	busy := 0
	for _, st := range live {
		if st.IsBusy {
			busy++
		}
	}
	writeJSONOK(w, map[string]any{
		"status":      "healthy",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"connections": s.tracker.TotalConnections(),
		"sessions": map[string]int{
			"live": len(live),
			"busy": busy,
		},
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", clientIP(r),
			"user_agent", r.UserAgent(),
		)
		next.ServeHTTP(w, r)
	})
}
