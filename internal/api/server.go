// Package api serves the producer and operator HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"elysium-jobs/internal/archive"
	"elysium-jobs/internal/broker"
	"elysium-jobs/internal/codec"
	"elysium-jobs/internal/engine"
	"elysium-jobs/internal/events"
	"elysium-jobs/internal/jobs"
	"elysium-jobs/internal/models"
	"elysium-jobs/internal/queue"
	"elysium-jobs/internal/ratelimit"
	"elysium-jobs/internal/telemetry"
)

// History reads the recorded lifecycle events of a job.
type History interface {
	JobHistory(ctx context.Context, jobID string, limit int) ([]events.Event, error)
}

// Server wires HTTP handlers for the producer and operator API.
type Server struct {
	engine   *engine.Engine
	broker   *broker.Broker
	limiter  *ratelimit.TokenBucket
	archiver *archive.Archiver
	history  History
	logger   *zap.Logger
}

// New constructs the API server. limiter, archiver and logger may be nil.
func New(e *engine.Engine, limiter *ratelimit.TokenBucket, archiver *archive.Archiver, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:   e,
		broker:   e.Broker(),
		limiter:  limiter,
		archiver: archiver,
		logger:   logger,
	}
}

// WithHistory enables GET /jobs/{id}/history backed by h.
func (s *Server) WithHistory(h History) *Server {
	s.history = h
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/jobs/{id}/history", s.handleHistory)

	r.Post("/schedules", s.handleCreateSchedule)
	r.Get("/schedules", s.handleListSchedules)
	r.Delete("/schedules/{id}", s.handleDeleteSchedule)

	r.Get("/queues", s.handleQueues)
	r.Post("/queues/{queue}/pause", s.handlePause)
	r.Post("/queues/{queue}/resume", s.handleResume)
	r.Get("/queues/{queue}/dead", s.handleListDead)
	r.Post("/queues/{queue}/dead/archive", s.handleArchiveDead)
	r.Post("/queues/{queue}/dead/{id}/requeue", s.handleRequeueDead)
	r.Delete("/queues/{queue}/dead/{id}", s.handlePurgeDead)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	Type         string         `json:"type"`
	Args         map[string]any `json:"args"`
	ID           string         `json:"id"`
	Queue        string         `json:"queue"`
	Priority     *int           `json:"priority"`
	RunAt        *time.Time     `json:"run_at"`
	DelaySeconds int            `json:"delay_seconds"`
	MaxAttempts  int            `json:"max_attempts"`
	TimeoutSecs  int            `json:"timeout_seconds"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), tenantFromRequest(r))
		if err != nil {
			s.logger.Error("rate limiter unavailable", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	var opts []engine.Option
	if req.ID != "" {
		opts = append(opts, engine.WithID(req.ID))
	}
	if req.Queue != "" {
		opts = append(opts, engine.WithQueue(req.Queue))
	}
	if req.Priority != nil {
		opts = append(opts, engine.WithPriority(*req.Priority))
	}
	if req.RunAt != nil {
		opts = append(opts, engine.WithAt(*req.RunAt))
	}
	if req.DelaySeconds > 0 {
		opts = append(opts, engine.WithDelay(time.Duration(req.DelaySeconds)*time.Second))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, engine.WithMaxAttempts(req.MaxAttempts))
	}
	if req.TimeoutSecs > 0 {
		opts = append(opts, engine.WithTimeout(time.Duration(req.TimeoutSecs)*time.Second))
	}

	job, err := s.engine.Enqueue(r.Context(), req.Type, codec.Args(req.Args), opts...)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil && !errors.Is(err, broker.ErrCorruptRecord) {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "job history requires POSTGRES_DSN")
		return
	}
	evs, err := s.history.JobHistory(r.Context(), chi.URLParam(r, "id"), intQuery(r, "limit", 100))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if evs == nil {
		evs = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	out, err := s.engine.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	code := http.StatusOK
	switch out {
	case broker.CancelRequested:
		code = http.StatusAccepted
	case broker.CancelTooLate:
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"status": string(out)})
}

type scheduleRequest struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Args     map[string]any `json:"args"`
	Expr     string         `json:"expr"`
	Queue    string         `json:"queue"`
	Priority *int           `json:"priority"`
	Disabled bool           `json:"disabled"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Type == "" || req.Expr == "" {
		writeError(w, http.StatusBadRequest, "type and expr are required")
		return
	}
	var opts []engine.Option
	if req.ID != "" {
		opts = append(opts, engine.WithID(req.ID))
	}
	if req.Queue != "" {
		opts = append(opts, engine.WithQueue(req.Queue))
	}
	if req.Priority != nil {
		opts = append(opts, engine.WithPriority(*req.Priority))
	}
	if req.Disabled {
		opts = append(opts, engine.Disabled())
	}
	sched, err := s.engine.Schedule(r.Context(), req.Name, req.Type, codec.Args(req.Args), req.Expr, opts...)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.Schedules(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Unschedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	names, err := s.broker.Queues(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	depths := make([]broker.Depth, 0, len(names))
	for _, name := range names {
		d, err := s.broker.Depth(r.Context(), name)
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		depths = append(depths, d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": depths})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	name, ok := queueParam(w, r)
	if !ok {
		return
	}
	if err := s.broker.Pause(r.Context(), name); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	name, ok := queueParam(w, r)
	if !ok {
		return
	}
	if err := s.broker.Resume(r.Context(), name); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleListDead(w http.ResponseWriter, r *http.Request) {
	name, ok := queueParam(w, r)
	if !ok {
		return
	}
	offset := intQuery(r, "offset", 0)
	limit := intQuery(r, "limit", 50)
	items, err := s.broker.ListDead(r.Context(), name, offset, limit)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if items == nil {
		items = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRequeueDead(w http.ResponseWriter, r *http.Request) {
	name, ok := queueParam(w, r)
	if !ok {
		return
	}
	if err := s.broker.RequeueDead(r.Context(), name, chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (s *Server) handlePurgeDead(w http.ResponseWriter, r *http.Request) {
	name, ok := queueParam(w, r)
	if !ok {
		return
	}
	if err := s.broker.PurgeDead(r.Context(), name, chi.URLParam(r, "id")); err != nil {
		s.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchiveDead(w http.ResponseWriter, r *http.Request) {
	name, ok := queueParam(w, r)
	if !ok {
		return
	}
	if s.archiver == nil {
		writeError(w, http.StatusNotImplemented, "archiving is not configured")
		return
	}
	purge := r.URL.Query().Get("purge") == "true"
	res, err := s.archiver.Archive(r.Context(), name, intQuery(r, "limit", 100), purge)
	if err != nil {
		s.logger.Error("archive failed", zap.String("queue", name), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// writeFailure maps engine and broker errors onto status codes.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, broker.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, codec.ErrSerialization), errors.Is(err, jobs.ErrInvalidName),
		errors.Is(err, queue.ErrInvalidName), errors.Is(err, queue.ErrInvalidPriority):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, broker.ErrTransient):
		s.logger.Error("broker unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "broker unavailable")
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func queueParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "queue")
	if !queue.ValidName(name) {
		writeError(w, http.StatusBadRequest, "invalid queue name")
		return "", false
	}
	return name, true
}

func intQuery(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
