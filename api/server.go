// Package api provides the HTTP and WebSocket transport for the efund
// backend.
//
// It exposes the session protocol over WebSocket, REST endpoints for
// chat, session reset and history, a one-shot KYC run, health checks,
// configuration status and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/seenimoa/efundkyc/internal/agent"
	"github.com/seenimoa/efundkyc/internal/config"
	"github.com/seenimoa/efundkyc/internal/kyc"
	"github.com/seenimoa/efundkyc/internal/metrics"
)

// Transport errors, reported to the caller as error responses or events.
var (
	ErrBadPayload = errors.New("api: malformed payload")
	ErrNoSession  = errors.New("api: no active session")
)

// HealthChecker reports the status of each upstream model provider.
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]error
}

// Deps are the components the server is built from.
type Deps struct {
	Config    *config.Config
	Sessions  *SessionRegistry
	NewEngine agent.EngineFactory // one-shot KYC runs
	Health    HealthChecker       // optional
	Gatherer  prometheus.Gatherer // optional; nil disables /metrics
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Server is the HTTP API server.
type Server struct {
	router    chi.Router
	cfg       *config.Config
	sessions  *SessionRegistry
	newEngine agent.EngineFactory
	health    HealthChecker
	gatherer  prometheus.Gatherer
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewServer creates a configured API server with all routes and middleware.
func NewServer(d Deps) (*Server, error) {
	switch {
	case d.Config == nil:
		return nil, errors.New("api: nil config")
	case d.Sessions == nil:
		return nil, errors.New("api: nil session registry")
	case d.NewEngine == nil:
		return nil, errors.New("api: nil engine factory")
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{
		cfg:       d.Config,
		sessions:  d.Sessions,
		newEngine: d.NewEngine,
		health:    d.Health,
		gatherer:  d.Gatherer,
		metrics:   d.Metrics,
		logger:    logger,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ListenAndServe starts the HTTP server and blocks until SIGINT or SIGTERM,
// then shuts down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	httpSrv := &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-done:
	}
	s.logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}

// buildRouter configures all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	origins := []string{"*"}
	if len(s.cfg.API.CORSOrigins) > 0 {
		origins = s.cfg.API.CORSOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	if s.cfg.Metrics.Enabled && s.gatherer != nil {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// The socket is long-lived and must not sit behind the request timeout.
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout()))

		r.Get("/health", s.handleProviderHealth)

		r.Post("/chat", s.handleChat)
		r.Post("/kyc", s.handleKYC)

		r.Post("/sessions/{id}/reset", s.handleResetSession)
		r.Get("/sessions/{id}/history", s.handleSessionHistory)

		r.Get("/config", s.handleGetConfig)
		r.Get("/config/keys", s.handleGetConfigKeys)
	})

	return r
}

func (s *Server) requestTimeout() time.Duration {
	if s.cfg.API.RequestTimeoutSec > 0 {
		return time.Duration(s.cfg.API.RequestTimeoutSec) * time.Second
	}
	return 3 * time.Minute
}

// requestLogger logs one line per request through zap.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// ============================================================
// Request / Response types
// ============================================================

// APIResponse is the standard JSON envelope.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ChatRequest is the body for POST /api/v1/chat. An empty SessionID starts
// a new session.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// ChatResponse is the data of a successful POST /api/v1/chat.
type ChatResponse struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
}

// KYCRequest is the body for POST /api/v1/kyc.
type KYCRequest struct {
	Message    string `json:"message"`
	CustomerID string `json:"customer_id,omitempty"`
}

// ChatMessage represents a single message in a session history.
type ChatMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ============================================================
// Handlers
// ============================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleProviderHealth adds the ping status of every model provider.
func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	providers := map[string]string{}
	if s.health != nil {
		for name, err := range s.health.HealthCheck(r.Context()) {
			if err != nil {
				providers[name] = err.Error()
			} else {
				providers[name] = "ok"
			}
		}
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"status":    "healthy",
			"sessions":  s.sessions.Len(),
			"providers": providers,
		},
	})
}

// handleChat is the non-streaming variant of the session protocol: it
// runs one message through the session and returns the whole reply.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	entry, err := s.sessions.GetOrCreate(req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var reply string
	err = entry.Do(func(sess *agent.Session) error {
		var err error
		reply, err = sess.Chat(r.Context(), req.Message)
		return err
	})
	if err != nil {
		s.logger.Warn("chat failed", zap.String("session_id", req.SessionID), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    ChatResponse{SessionID: req.SessionID, Reply: reply},
	})
}

// handleKYC runs the workflow once on a fresh engine, outside any session,
// and returns the terminal result.
func (s *Server) handleKYC(w http.ResponseWriter, r *http.Request) {
	var req KYCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	engine, err := s.newEngine()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	result, err := kyc.Drain(engine.Run(r.Context(), req.Message, req.CustomerID), nil)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}

	status := http.StatusOK
	if result.Status == kyc.StatusError {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, APIResponse{
		Success: result.Status == kyc.StatusCompleted,
		Data:    result,
		Error:   result.Error,
	})
}

func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrNoSession.Error())
		return
	}
	err := entry.Do(func(sess *agent.Session) error {
		return sess.Reset(r.Context())
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    map[string]string{"session_id": id, "message": s.cfg.Session.ResetMessage},
	})
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, ok := s.sessions.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrNoSession.Error())
		return
	}
	history, err := entry.Session().ChatHistory(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		out = append(out, ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"session_id": id,
			"messages":   out,
		},
	})
}

// ============================================================
// Helpers
// ============================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIResponse{
		Success: false,
		Error:   msg,
	})
}
