// Package server exposes the copilot over HTTP: the turns API plus
// health and status endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mdinu-hash/analytics-copilot/common/version"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/memory"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/orchestrator"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/turn"
)

// TurnHandler processes one conversation turn.
type TurnHandler interface {
	HandleTurn(ctx context.Context, conversationID, question string) (*turn.Turn, error)
	TurnCounts() orchestrator.Counts
}

// AuditStats is what /status reports about the audit trail.
type AuditStats interface {
	Written() int64
	Failures() int64
}

// Server is the HTTP front of the copilot. It is optional; the service
// runs without it when the listen address is empty.
type Server struct {
	addr      string
	handler   TurnHandler
	audit     AuditStats
	limiter   *RateLimiter
	logger    *slog.Logger
	startedAt time.Time
	mux       *http.ServeMux
	server    *http.Server
}

// Config configures the HTTP server.
type Config struct {
	Addr      string
	RateLimit int
	Logger    *slog.Logger
}

// New creates and configures the server (does not start it).
func New(cfg Config, handler TurnHandler, audit AuditStats) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		addr:      cfg.Addr,
		handler:   handler,
		audit:     audit,
		limiter:   NewRateLimiter(cfg.RateLimit, 0),
		logger:    cfg.Logger,
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/conversations/{id}/turns", s.handleTurn)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	return s
}

// ServeHTTP implements http.Handler so the server can be tested without
// a live network listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start begins listening in the background. Blocks until the listener
// is established so the caller knows the port is open before returning.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
}

type turnRequest struct {
	Question string `json:"question"`
}

type turnResponse struct {
	TurnID               string   `json:"turn_id"`
	ConversationID       string   `json:"conversation_id"`
	TraceID              string   `json:"trace_id"`
	Scenario             string   `json:"scenario"`
	Answer               string   `json:"answer"`
	GeneratedQuery       string   `json:"generated_query,omitempty"`
	Assumptions          []string `json:"assumptions,omitempty"`
	ClarificationOptions []string `json:"clarification_options,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if conversationID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing conversation id"})
		return
	}

	if !s.limiter.Allow(callerID(r)) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded, slow down"})
		return
	}

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "question must not be empty"})
		return
	}

	t, err := s.handler.HandleTurn(r.Context(), conversationID, req.Question)
	if err != nil {
		switch {
		case errors.Is(err, memory.ErrTurnInFlight):
			writeJSON(w, http.StatusConflict, errorResponse{Error: "a turn is already in progress for this conversation"})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// Client went away; nothing useful to write.
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "turn aborted"})
		default:
			s.logger.Error("turn failed", "conversation_id", conversationID, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, turnResponse{
		TurnID:               t.ID,
		ConversationID:       t.ConversationID,
		TraceID:              t.TraceID,
		Scenario:             string(t.Scenario),
		Answer:               t.Answer,
		GeneratedQuery:       t.GeneratedQuery,
		Assumptions:          t.Assumptions,
		ClarificationOptions: t.ClarificationOptions,
	})
}

// callerID identifies the caller for rate limiting: an explicit header
// when present, the remote IP otherwise.
func callerID(r *http.Request) string {
	if id := r.Header.Get("X-Caller-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status        string              `json:"status"`
	Version       string              `json:"version"`
	Commit        string              `json:"commit"`
	BuildTime     string              `json:"build_time"`
	StartedAt     time.Time           `json:"started_at"`
	UptimeSecs    float64             `json:"uptime_seconds"`
	Turns         orchestrator.Counts `json:"turns"`
	AuditWritten  int64               `json:"audit_written"`
	AuditFailures int64               `json:"audit_failures"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
		Turns:      s.handler.TurnCounts(),
	}
	if s.audit != nil {
		resp.AuditWritten = s.audit.Written()
		resp.AuditFailures = s.audit.Failures()
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON serialises v as JSON and writes it with the given status.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: failed to encode JSON response", "error", err)
	}
}
