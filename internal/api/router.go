package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/open-runtimes/executor/internal/config"
)

type Server struct {
	cfg      *config.Config
	runtimes RuntimeService
	usage    UsageSource
	metrics  http.Handler
	version  string
	logger   *slog.Logger
	mux      *http.ServeMux
}

func NewServer(cfg *config.Config, runtimes RuntimeService, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		runtimes: runtimes,
		version:  "unknown",
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// SetUsage enables CPU usage reporting on the health route.
func (s *Server) SetUsage(u UsageSource) {
	s.usage = u
}

// SetMetrics exposes h on /metrics.
func (s *Server) SetMetrics(h http.Handler) {
	s.metrics = h
}

// SetVersion sets the executor version reported in error bodies.
func (s *Server) SetVersion(v string) {
	if v != "" {
		s.version = v
	}
}

func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.authMiddleware(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/runtimes", s.handleCreateRuntime)
	s.mux.HandleFunc("GET /v1/runtimes", s.handleListRuntimes)
	s.mux.HandleFunc("GET /v1/runtimes/{id}", s.handleGetRuntime)
	s.mux.HandleFunc("DELETE /v1/runtimes/{id}", s.handleDeleteRuntime)
	s.mux.HandleFunc("POST /v1/runtimes/{id}/commands", s.handleCommand)
	s.mux.HandleFunc("GET /v1/runtimes/{id}/logs", s.handleLogs)
	s.mux.HandleFunc("POST /v1/runtimes/{id}/executions", s.handleExecution)
	s.mux.HandleFunc("POST /v1/runtimes/{id}/execution", s.handleExecution)

	// No auth
	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			s.writeError(w, TypeRouteNotFound, "")
			return
		}
		s.metrics.ServeHTTP(w, r)
	})

	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, TypeRouteNotFound, "")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
