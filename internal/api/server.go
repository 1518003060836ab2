// Package api serves the execution REST API and its SSE event streams.
package api

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/maestro/internal/engine"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/internal/streaming"
	"github.com/rendis/maestro/internal/validation"
)

const (
	maxBodyBytes     = 1 << 20
	defaultHeartbeat = 15 * time.Second
	defaultListLimit = 20
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Engine    engine.Engine
	Store     store.Store
	Hub       streaming.EventHub
	Validator validation.Validator
	Gatherer  prometheus.Gatherer // nil disables /metrics
	Logger    *slog.Logger

	// Heartbeat is the SSE keep-alive interval. Zero uses 15s.
	Heartbeat time.Duration
}

// Server serves the execution API.
type Server struct {
	deps Deps
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = defaultHeartbeat
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /executions", s.handleSubmit)
	mux.HandleFunc("GET /executions", s.handleListExecutions)
	mux.HandleFunc("GET /executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /executions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /executions/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /executions/{id}/replay", s.handleReplay)
	mux.HandleFunc("GET /executions/{id}/events", s.handleEvents)

	mux.HandleFunc("GET /pipelines", s.handleListPipelines)
	mux.HandleFunc("GET /pipelines/{id}", s.handleGetPipeline)
	mux.HandleFunc("PUT /pipelines/{id}", s.handlePutPipeline)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return s.logRequests(mux)
}

// statusRecorder captures the response status for request logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= 500 {
			level = slog.LevelError
		}
		s.deps.Logger.Log(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)))
	})
}
