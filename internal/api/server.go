// Package api provides the HTTP server for propserve.
//
// The wire contract is small: a greeting at "/", task status at "/status"
// and submission, download and removal at "/tasks". Status codes on the wire
// are the task's StatusCode values, so clients switch on the HTTP code.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/propserve/propserve/internal/app/dispatch"
	"github.com/propserve/propserve/internal/domain"
	"github.com/propserve/propserve/internal/health"
	"github.com/propserve/propserve/internal/infra/scheduler"
	"github.com/propserve/propserve/internal/infra/sqlite"
	"github.com/propserve/propserve/internal/infra/taskstore"
)

// DefaultTitle is the greeting returned at "/".
const DefaultTitle = "QikProp v3 As A Service API"

// ─── Dependencies ───────────────────────────────────────────────────────────

// Statuses resolves a task to its record and on-disk target.
type Statuses interface {
	Lookup(id domain.TaskID) (taskstore.Target, domain.TaskRecord, error)
}

// Submitter accepts uploads.
type Submitter interface {
	Submit(ctx context.Context, sub dispatch.Submission) (domain.TaskRecord, error)
}

// Clearer removes finished output.
type Clearer interface {
	Clear(id domain.TaskID) (bool, error)
}

// JobLister exposes the worker queue for inspection.
type JobLister interface {
	Jobs() []scheduler.JobInfo
	Stats() scheduler.Stats
}

// RunLister exposes finished runs.
type RunLister interface {
	RecentRuns(limit int) ([]sqlite.RunRecord, error)
}

// Options tune the server.
type Options struct {
	Title          string
	Version        [3]int
	CORSOrigins    []string // empty = allow any origin
	MaxUploadBytes int64    // 0 = unlimited
	ResultName     string   // download file name
	RequestTimeout time.Duration
}

// Server is the propserve HTTP API server.
type Server struct {
	statuses  Statuses
	submitter Submitter
	clearer   Clearer
	opts      Options
	log       zerolog.Logger

	metricsEnabled bool
	clearEnabled   bool
	health         *health.Checker
	jobs           JobLister
	runs           RunLister
}

// NewServer creates a new API server.
func NewServer(statuses Statuses, submitter Submitter, clearer Clearer, opts Options, logger zerolog.Logger) *Server {
	if opts.Title == "" {
		opts.Title = DefaultTitle
	}
	if opts.ResultName == "" {
		opts.ResultName = taskstore.DefaultResultName
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	return &Server{
		statuses:  statuses,
		submitter: submitter,
		clearer:   clearer,
		opts:      opts,
		log:       logger.With().Str("component", "api").Logger(),
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// EnableClear allows DELETE /tasks.
func (s *Server) EnableClear() { s.clearEnabled = true }

// SetHealth reports the checker's results at /health.
func (s *Server) SetHealth(c *health.Checker) { s.health = c }

// SetJobs exposes the worker queue at /jobs.
func (s *Server) SetJobs(j JobLister) { s.jobs = j }

// SetRuns exposes run history at /runs.
func (s *Server) SetRuns(r RunLister) { s.runs = r }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	r.Get("/", s.handleHello)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	r.Get("/tasks", s.handleGetTask)
	r.Post("/tasks", s.handlePostTask)
	r.Delete("/tasks", s.handleDeleteTask)

	if s.jobs != nil {
		r.Get("/jobs", s.handleJobs)
	}
	if s.runs != nil {
		r.Get("/runs", s.handleRuns)
	}

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return s.cors().Handler(r)
}

func (s *Server) cors() *cors.Cors {
	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
}

// requestLogger writes one zerolog event per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("query", r.URL.RawQuery).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// ─── Small Handlers ─────────────────────────────────────────────────────────

func (s *Server) handleHello(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.Hello{Title: s.opts.Title, Version: s.opts.Version})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	code, label := http.StatusOK, "ok"
	if !s.health.IsHealthy() {
		code, label = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, code, map[string]any{
		"status": label,
		"checks": s.health.Statuses(),
	})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": s.jobs.Stats(),
		"jobs":  s.jobs.Jobs(),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		writeArgsError(w, r, http.StatusBadRequest, err)
		return
	}
	runs, err := s.runs.RecentRuns(limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if runs == nil {
		runs = []sqlite.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
