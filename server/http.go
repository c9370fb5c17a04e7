// Package server exposes the local HTTP surface of the sync subsystem:
// feed reads served from cache, post submission into the durable queue,
// and status/health/metrics endpoints. Handlers never block on the
// network; sync work happens in the background.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	feedsync "github.com/campusfeed/feed-sync"
	"github.com/campusfeed/feed-sync/cache"
	"github.com/campusfeed/feed-sync/connectivity"
	"github.com/campusfeed/feed-sync/queue"
	"github.com/campusfeed/feed-sync/syncer"
	"github.com/campusfeed/feed-sync/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the local HTTP API over the sync subsystem.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	cache   *cache.Cache
	queue   *queue.Queue
	monitor *connectivity.Monitor
	coord   *syncer.Coordinator
}

// New creates a server over the given components.
func New(cfg Config, c *cache.Cache, q *queue.Queue, m *connectivity.Monitor, coord *syncer.Coordinator) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		cache:   c,
		queue:   q,
		monitor: m,
		coord:   coord,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /feeds/{partition}", s.handleFeed)
	mux.HandleFunc("POST /posts", s.handleSubmit)
	mux.HandleFunc("POST /sync", s.handleSync)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStatus reports connectivity and queue depth.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	queued, err := s.queue.Len(r.Context())
	if err != nil {
		s.logger.Error("failed to read queue depth", "error", err)
		queued = -1
	}

	snap := s.monitor.Snapshot()

	writeJSON(w, http.StatusOK, map[string]any{
		"online":          snap.Connected,
		"last_transition": snap.LastTransitionAt,
		"queued":          queued,
	})
}

// handleFeed serves the cached page for a partition. A partition that
// has never been fetched returns an empty page, not an error.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	partition := r.PathValue("partition")

	items := s.cache.Get(r.Context(), partition)

	resp := map[string]any{
		"partition": partition,
		"items":     items,
	}
	if fetchedAt, ok := s.cache.FetchedAt(r.Context(), partition); ok {
		resp["fetched_at"] = fetchedAt
	}

	writeJSON(w, http.StatusOK, resp)
}

type submitRequest struct {
	Body          string `json:"body"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	Anonymous     bool   `json:"anonymous"`
}

// handleSubmit queues a new post. The post is durable once this returns
// 202; actual delivery happens on the next sync pass. An opportunistic
// pass starts immediately when the monitor believes we are online.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, feedsync.MaxBodyBytes+4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}

	sub := feedsync.NewSubmission(req.Body, req.AttachmentRef, req.Anonymous)
	if err := sub.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	if err := s.queue.Enqueue(r.Context(), sub); err != nil {
		s.logger.Error("failed to queue submission", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "could not save post, please try again",
		})
		return
	}

	if s.monitor.IsOnline() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			s.coord.TriggerSync(ctx)
		}()
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"key":    sub.Key(),
		"queued": true,
	})
}

// handleSync runs a sync pass on demand and reports the result.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res := s.coord.TriggerSync(r.Context())

	writeJSON(w, http.StatusOK, map[string]any{
		"outcome":   res.Outcome(),
		"attempted": res.Attempted,
		"succeeded": res.Succeeded,
		"failed":    res.Failed,
		"refreshed": res.Refreshed,
		"message":   res.Message(),
		"duration":  res.Duration.String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)

		telemetry.RecordHTTP(r.Context(), wrapped.status, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code
// and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
