// SPDX-License-Identifier: MIT

// Package api exposes the upload and job surface over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/scheduler"
	"github.com/clipforge/clipforge/internal/storage"
	"github.com/clipforge/clipforge/internal/upload"
)

// Server wires the HTTP handlers to the core components.
type Server struct {
	assembler  *upload.Assembler
	sched      *scheduler.Scheduler
	objects    *storage.FSStore
	logger     zerolog.Logger
	presignTTL time.Duration
	maxChunk   int64
	rateRPS    int
	ready      func() bool
}

// Config holds the API-facing knobs.
type Config struct {
	PresignTTL    time.Duration
	MaxChunkBytes int64
	RateLimitRPS  int

	// Ready reports readiness for /readyz. Nil means always ready.
	Ready func() bool
}

// New creates the API server.
func New(assembler *upload.Assembler, sched *scheduler.Scheduler, objects *storage.FSStore, cfg Config) *Server {
	ready := cfg.Ready
	if ready == nil {
		ready = func() bool { return true }
	}
	return &Server{
		assembler:  assembler,
		sched:      sched,
		objects:    objects,
		logger:     log.WithComponent("api"),
		presignTTL: cfg.PresignTTL,
		maxChunk:   cfg.MaxChunkBytes,
		rateRPS:    cfg.RateLimitRPS,
		ready:      ready,
	}
}

// Router builds the chi router with middleware and all routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(s.requestID)
	r.Use(s.requestLogger)
	if s.rateRPS > 0 {
		r.Use(httprate.LimitByIP(s.rateRPS, time.Second))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/uploads", s.handleCreateUpload)
		r.Put("/uploads/{uploadID}/chunks/{index}", s.handleWriteChunk)
		r.Get("/uploads/{uploadID}", s.handleUploadStatus)
		r.Post("/uploads/{uploadID}/complete", s.handleCompleteUpload)
		r.Delete("/uploads/{uploadID}", s.handleAbandonUpload)

		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs/{jobID}", s.handleJobStatus)
		r.Delete("/jobs/{jobID}", s.handleCancelJob)
		r.Post("/jobs/{jobID}/retry", s.handleRetryJob)

		r.Post("/presign", s.handlePresign)
		r.Get("/objects/*", s.handleDownload)
	})

	return r
}

// requestID attaches a request id to the context and the response.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(log.ContextWithRequestID(r.Context(), id)))
	})
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info().
			Str(log.FieldRequestID, log.RequestIDFromContext(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
