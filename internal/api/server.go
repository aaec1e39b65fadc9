// Package api is the admin HTTP surface over the queue, the dead letter
// queue and the scheduler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tenantq/internal/domain"
	"tenantq/internal/queue"
	"tenantq/internal/scheduler"
)

type Tasks interface {
	Enqueue(ctx context.Context, tenantID, taskType string, payload any, opts ...queue.EnqueueOption) (string, error)
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	ListTasks(ctx context.Context, tenantID string, status domain.TaskStatus) ([]domain.Task, error)
	Cancel(ctx context.Context, taskID string) error
	DeadLetter(ctx context.Context, taskID, errMsg string) error
	Stats(ctx context.Context) (map[domain.TaskStatus]int, error)
}

type DeadLetters interface {
	GetMessage(ctx context.Context, id string) (*domain.DeadLetterMessage, error)
	ListMessages(ctx context.Context, tenantID string) ([]domain.DeadLetterMessage, error)
	GetUnreplayed(ctx context.Context, tenantID string) ([]domain.DeadLetterMessage, error)
	Replay(ctx context.Context, id string) (*domain.DeadLetterMessage, error)
}

type Schedules interface {
	RegisterSchedule(ctx context.Context, cfg domain.ScheduleConfig) (string, error)
	StartEnqueuing(ctx context.Context, id string, q scheduler.Enqueuer) error
	Stop(id string)
	GetSchedule(ctx context.Context, id string) (*domain.ScheduleConfig, error)
	ListSchedules(ctx context.Context, tenantID string) ([]domain.ScheduleConfig, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

type Option func(*Server)

// WithDebug mounts net/http/pprof under /debug/pprof.
func WithDebug(enabled bool) Option {
	return func(s *Server) { s.debug = enabled }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

type Server struct {
	r         *chi.Mux
	tasks     Tasks
	dlq       DeadLetters
	schedules Schedules
	validate  *validator.Validate
	log       zerolog.Logger
	debug     bool
}

func NewServer(tasks Tasks, dlq DeadLetters, schedules Schedules, opts ...Option) http.Handler {
	s := &Server{
		r:         chi.NewRouter(),
		tasks:     tasks,
		dlq:       dlq,
		schedules: schedules,
		validate:  validator.New(),
		log:       log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := s.r
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.submitTask)
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
		r.Post("/{id}/cancel", s.cancelTask)
		r.Post("/{id}/dead-letter", s.deadLetterTask)
	})

	r.Route("/api/dlq", func(r chi.Router) {
		r.Get("/", s.listMessages)
		r.Get("/{id}", s.getMessage)
		r.Post("/{id}/replay", s.replayMessage)
	})

	r.Route("/api/schedules", func(r chi.Router) {
		r.Post("/", s.createSchedule)
		r.Get("/", s.listSchedules)
		r.Get("/{id}", s.getSchedule)
		r.Post("/{id}/enable", s.toggleSchedule(true))
		r.Post("/{id}/disable", s.toggleSchedule(false))
	})

	if s.debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// metrics writes task counts in the Prometheus text format.
func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.tasks.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	slices.Sort(statuses)

	var b strings.Builder
	b.WriteString("# TYPE tenantq_up gauge\ntenantq_up 1\n")
	b.WriteString("# TYPE tenantq_tasks gauge\n")
	for _, st := range statuses {
		fmt.Fprintf(&b, "tenantq_tasks{status=%q} %d\n", st, counts[domain.TaskStatus(st)])
	}

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

type submitReq struct {
	TenantID       string          `json:"tenant_id" validate:"required"`
	TaskType       string          `json:"task_type" validate:"required"`
	Payload        json.RawMessage `json:"payload"`
	Priority       *int            `json:"priority"`
	MaxRetries     *int            `json:"max_retries" validate:"omitempty,gte=0"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=255"`
	ScheduledFor   *time.Time      `json:"scheduled_for"`
}

type idResp struct {
	ID string `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if !s.decode(w, r, &req) {
		return
	}

	var opts []queue.EnqueueOption
	if req.Priority != nil {
		opts = append(opts, queue.WithPriority(*req.Priority))
	}
	if req.MaxRetries != nil {
		opts = append(opts, queue.WithMaxRetries(*req.MaxRetries))
	}
	if req.IdempotencyKey != "" {
		opts = append(opts, queue.WithIdempotencyKey(req.IdempotencyKey))
	}
	if req.ScheduledFor != nil {
		opts = append(opts, queue.WithScheduledFor(*req.ScheduledFor))
	}

	id, err := s.tasks.Enqueue(r.Context(), req.TenantID, req.TaskType, req.Payload, opts...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idResp{ID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	status := domain.TaskStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status: "+string(status))
		return
	}
	tasks, err := s.tasks.ListTasks(r.Context(), r.URL.Query().Get("tenant_id"), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deadLetterReq struct {
	Error string `json:"error" validate:"max=4096"`
}

func (s *Server) deadLetterTask(w http.ResponseWriter, r *http.Request) {
	var req deadLetterReq
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	if err := s.tasks.DeadLetter(r.Context(), chi.URLParam(r, "id"), req.Error); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	list := s.dlq.ListMessages
	if r.URL.Query().Get("unreplayed") == "true" {
		list = s.dlq.GetUnreplayed
	}
	msgs, err := list(r.Context(), tenantID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.dlq.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) replayMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.dlq.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

type createScheduleReq struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id" validate:"required"`
	JobCode      string          `json:"job_code"`
	JobName      string          `json:"job_name"`
	EverySeconds int             `json:"every_seconds" validate:"gte=0"`
	CronExpr     string          `json:"cron_expr"`
	Enabled      *bool           `json:"enabled"`
	TaskType     string          `json:"task_type" validate:"required"`
	Payload      json.RawMessage `json:"payload"`
	Priority     *int            `json:"priority"`
}

// createSchedule registers a schedule that enqueues task_type on every tick
// and (re)starts it. A disabled schedule runs nothing until enabled.
func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if !s.decode(w, r, &req) {
		return
	}

	cfg := domain.ScheduleConfig{
		ID:           req.ID,
		TenantID:     req.TenantID,
		JobCode:      req.JobCode,
		JobName:      req.JobName,
		EverySeconds: req.EverySeconds,
		CronExpr:     req.CronExpr,
		IsEnabled:    req.Enabled == nil || *req.Enabled,
		TaskType:     req.TaskType,
		Payload:      req.Payload,
		Priority:     req.Priority,
	}
	if cfg.JobCode == "" {
		cfg.JobCode = req.TaskType
	}

	id, err := s.schedules.RegisterSchedule(r.Context(), cfg)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	// Re-posting an id replaces its cadence, so the old goroutine goes.
	s.schedules.Stop(id)
	// The schedule outlives the request; StopAll ends it.
	if err := s.schedules.StartEnqueuing(context.WithoutCancel(r.Context()), id, s.tasks); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.schedules.ListSchedules(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.schedules.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) toggleSchedule(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.schedules.SetEnabled(r.Context(), chi.URLParam(r, "id"), enabled); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// fail maps service errors to status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrMessageNotFound),
		errors.Is(err, domain.ErrScheduleNotFound):
		code = http.StatusNotFound
	case errors.Is(err, queue.ErrTaskFinished):
		code = http.StatusConflict
	case errors.Is(err, queue.ErrTenantRequired),
		errors.Is(err, queue.ErrTaskTypeRequired),
		errors.Is(err, queue.ErrInvalidMaxRetries),
		errors.Is(err, queue.ErrPayloadMarshal),
		errors.Is(err, scheduler.ErrTenantRequired),
		errors.Is(err, scheduler.ErrInvalidCadence),
		errors.Is(err, scheduler.ErrNoTaskType):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, code, err.Error())
}

type errorResp struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResp{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
