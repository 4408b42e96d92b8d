// Package api exposes the queue engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/awields/conveyor/internal/engine"
	"github.com/awields/conveyor/internal/models"
	"github.com/awields/conveyor/internal/ratelimit"
	"github.com/awields/conveyor/internal/telemetry"
)

// Server wires HTTP handlers for the admin/producer API.
type Server struct {
	engine  *engine.Engine
	limiter *ratelimit.TokenBucket
	log     zerolog.Logger
}

// New constructs the API server. limiter may be nil to disable enqueue
// rate limiting.
func New(eng *engine.Engine, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	return &Server{
		engine:  eng,
		limiter: limiter,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/queues", s.handleCreateQueue)
	r.Route("/queues/{queue}", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/jobs", s.handleAddJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleRemoveJob)
		r.Post("/jobs/{id}/retry", s.handleRetryJob)
		r.Post("/bulk", s.handleBulk)
		r.Get("/dlq", s.handleDLQ)
		r.Post("/schedules", s.handleSchedule)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.engine.Health(r.Context())
	code := http.StatusOK
	if !report.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var cfg models.QueueConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.engine.CreateQueue(r.Context(), cfg); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"queue": cfg.Name})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context(), chi.URLParam(r, "queue"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.PauseQueue(r.Context(), chi.URLParam(r, "queue")); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ResumeQueue(r.Context(), chi.URLParam(r, "queue")); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

type addJobRequest struct {
	Type    string            `json:"type"`
	Payload map[string]any    `json:"payload"`
	Options models.JobOptions `json:"options"`
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	var req addJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Payload == nil {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), queue)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.WithLabelValues(queue).Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}
	job, err := s.engine.AddJob(r.Context(), queue, req.Type, req.Payload, req.Options)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	queue := chi.URLParam(r, "queue")
	status := models.Status(r.URL.Query().Get("status"))
	if status == "" {
		status = models.StatusWaiting
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	jobs, err := s.engine.ListJobs(r.Context(), queue, status, limit, offset)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetJob(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRemoveJob(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveJob(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id")); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RetryJob(r.Context(), chi.URLParam(r, "queue"), chi.URLParam(r, "id")); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

type bulkRequest struct {
	Operation engine.BulkOperation `json:"operation"`
	Jobs      []engine.BulkJobItem `json:"jobs"`
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := s.engine.Bulk(r.Context(), chi.URLParam(r, "queue"), req.Operation, req.Jobs)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	jobs, err := s.engine.DeadLetters(r.Context(), chi.URLParam(r, "queue"), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type scheduleRequest struct {
	Spec    string            `json:"spec"`
	Type    string            `json:"type"`
	Payload map[string]any    `json:"payload"`
	Options models.JobOptions `json:"options"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := s.engine.ScheduleRepeat(req.Spec, chi.URLParam(r, "queue"), req.Type, req.Payload, req.Options)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"schedule_id": id})
}

// writeErr maps domain errors onto HTTP status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrQueueNotFound), errors.Is(err, models.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrInvalidConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrStoreUnavailable):
		s.log.Error().Err(err).Msg("store unavailable")
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		s.log.Error().Err(err).Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func queryInt(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
