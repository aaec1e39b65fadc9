// Package scheduler runs caller-supplied handlers on a fixed cadence per
// registered schedule and keeps run statistics for each schedule.
//
// Every started schedule owns one goroutine that sleeps on the injected
// clock until the schedule is due, runs the handler inline, records the
// outcome and goes back to sleep. A handler that outlives the cadence
// therefore delays the next run instead of overlapping with it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tenantq/internal/domain"
)

var (
	ErrStoreNil       = errors.New("store cannot be nil")
	ErrHandlerNil     = errors.New("handler cannot be nil")
	ErrTenantRequired = errors.New("tenant id is required")
	ErrInvalidCadence = errors.New("schedule needs every_seconds > 0 or a valid cron expression")
	ErrAlreadyRunning = errors.New("schedule is already running")
	ErrNoTaskType     = errors.New("schedule has no task type to enqueue")
)

// Store persists schedule configs and their run bookkeeping.
type Store interface {
	// SaveSchedule inserts cfg or overwrites the schedule with the same id.
	SaveSchedule(ctx context.Context, cfg *domain.ScheduleConfig) error
	GetSchedule(ctx context.Context, id string) (*domain.ScheduleConfig, error)

	// ListSchedules returns schedules ordered by id. tenantID "" lists all.
	ListSchedules(ctx context.Context, tenantID string) ([]domain.ScheduleConfig, error)

	// RecordRun applies one tick: a success stamps LastRunAt and bumps
	// RunCount, a failure bumps ErrorCount; both set LastRunStatus and
	// NextRunAt.
	RecordRun(ctx context.Context, id string, run domain.ScheduleRun) error

	SetScheduleEnabled(ctx context.Context, id string, enabled bool, at time.Time) error
}

// Locker keeps replicas sharing one Store from running the same tick.
type Locker interface {
	// TryLock takes key for ttl and reports whether this caller got it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// HandlerFunc is the work a schedule performs on every tick.
type HandlerFunc func(ctx context.Context) error

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

type Scheduler struct {
	store  Store
	locker Locker
	clock  clockwork.Clock
	log    zerolog.Logger

	mu      sync.Mutex
	running map[string]*run
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(store Store, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	s := &Scheduler{
		store:   store,
		clock:   clockwork.NewRealClock(),
		log:     log.Logger,
		running: make(map[string]*run),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RegisterSchedule validates cfg and stores it, returning its id. An
// existing schedule with the same id is overwritten but keeps its run
// history. Execution does not start until Start.
func (s *Scheduler) RegisterSchedule(ctx context.Context, cfg domain.ScheduleConfig) (string, error) {
	if cfg.TenantID == "" {
		return "", ErrTenantRequired
	}
	cadence, err := cadenceOf(cfg)
	if err != nil {
		return "", err
	}
	if cfg.ID == "" {
		cfg.ID = "sch_" + uuid.NewString()
	}

	now := s.clock.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	existing, err := s.store.GetSchedule(ctx, cfg.ID)
	switch {
	case err == nil:
		cfg.CreatedAt = existing.CreatedAt
		cfg.LastRunAt = existing.LastRunAt
		cfg.LastRunStatus = existing.LastRunStatus
		cfg.RunCount = existing.RunCount
		cfg.ErrorCount = existing.ErrorCount
	case !errors.Is(err, domain.ErrScheduleNotFound):
		return "", fmt.Errorf("get schedule %s: %w", cfg.ID, err)
	}

	if cfg.NextRunAt.IsZero() {
		cfg.NextRunAt = cadence.Next(now)
	}

	if err := s.store.SaveSchedule(ctx, &cfg); err != nil {
		return "", fmt.Errorf("save schedule %s: %w", cfg.ID, err)
	}

	s.log.Info().
		Str("schedule_id", cfg.ID).
		Str("tenant_id", cfg.TenantID).
		Str("job_code", cfg.JobCode).
		Time("next_run_at", cfg.NextRunAt).
		Bool("enabled", cfg.IsEnabled).
		Msg("schedule registered")
	return cfg.ID, nil
}

// Start begins invoking handler for the schedule. The schedule keeps running
// until Stop, StopAll, or cancellation of ctx. Handler errors and panics are
// recorded as failed runs and never end the schedule. A disabled schedule
// starts too: its ticks are skipped until SetEnabled turns it back on.
func (s *Scheduler) Start(ctx context.Context, id string, handler HandlerFunc) error {
	if handler == nil {
		return ErrHandlerNil
	}
	cfg, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return fmt.Errorf("get schedule %s: %w", id, err)
	}
	cadence, err := cadenceOf(*cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; ok {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.running[id] = r

	go s.loop(runCtx, r, id, cfg.NextRunAt, cadence, handler)

	s.log.Info().Str("schedule_id", id).Time("next_run_at", cfg.NextRunAt).Msg("schedule started")
	return nil
}

// Stop cancels a running schedule and waits for an in-flight run to return.
// Stopping a schedule that is not running is a no-op. A handler must not
// call Stop for its own schedule, since the wait would never end; it can
// call it from a new goroutine instead.
func (s *Scheduler) Stop(id string) {
	s.mu.Lock()
	r := s.running[id]
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

// StopAll stops every running schedule.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	runs := make([]*run, 0, len(s.running))
	for _, r := range s.running {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		<-r.done
	}
}

// Running reports whether the schedule has a live goroutine.
func (s *Scheduler) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

func (s *Scheduler) GetSchedule(ctx context.Context, id string) (*domain.ScheduleConfig, error) {
	cfg, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return cfg, nil
}

func (s *Scheduler) ListSchedules(ctx context.Context, tenantID string) ([]domain.ScheduleConfig, error) {
	out, err := s.store.ListSchedules(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return out, nil
}

// SetEnabled toggles a schedule. A disabled schedule that is running keeps
// its goroutine but skips its ticks until enabled again.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.store.SetScheduleEnabled(ctx, id, enabled, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("set schedule %s enabled=%t: %w", id, enabled, err)
	}
	s.log.Info().Str("schedule_id", id).Bool("enabled", enabled).Msg("schedule toggled")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, r *run, id string, next time.Time, cadence cron.Schedule, handler HandlerFunc) {
	defer func() {
		s.mu.Lock()
		if s.running[id] == r {
			delete(s.running, id)
		}
		s.mu.Unlock()
		close(r.done)
	}()

	for {
		timer := s.clock.NewTimer(next.Sub(s.clock.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info().Str("schedule_id", id).Msg("schedule stopped")
			return
		case <-timer.Chan():
		}
		next, cadence = s.tick(ctx, id, cadence, handler)
	}
}

// tick performs one scheduled run and returns when the next one is due.
func (s *Scheduler) tick(ctx context.Context, id string, cadence cron.Schedule, handler HandlerFunc) (time.Time, cron.Schedule) {
	logger := s.log.With().Str("schedule_id", id).Logger()

	cfg, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load schedule, keeping previous cadence")
		return cadence.Next(s.clock.Now()), cadence
	}
	if c, err := cadenceOf(*cfg); err == nil {
		cadence = c
	}

	now := s.clock.Now().UTC()
	if !cfg.IsEnabled {
		logger.Debug().Msg("schedule disabled, skipping run")
		return cadence.Next(now), cadence
	}

	if s.locker != nil {
		ttl := cadence.Next(now).Sub(now) / 2
		if ttl < time.Second {
			ttl = time.Second
		}
		ok, err := s.locker.TryLock(ctx, "tenantq:schedule:"+id, ttl)
		if err != nil {
			logger.Error().Err(err).Msg("failed to take schedule lock, skipping run")
			return cadence.Next(now), cadence
		}
		if !ok {
			logger.Debug().Msg("schedule run owned by another instance")
			return cadence.Next(now), cadence
		}
	}

	start := s.clock.Now()
	runErr := invoke(ctx, handler)
	finished := s.clock.Now().UTC()

	result := domain.ScheduleRun{
		At:        finished,
		Status:    domain.RunSuccess,
		NextRunAt: cadence.Next(finished),
	}
	if runErr != nil {
		result.Status = domain.RunFailed
		logger.Error().Err(runErr).Str("job_code", cfg.JobCode).Msg("scheduled run failed")
	} else {
		logger.Debug().Str("job_code", cfg.JobCode).Dur("duration", finished.Sub(start)).Msg("scheduled run succeeded")
	}

	// Bookkeeping outlives Stop so the last run is not lost.
	if err := s.store.RecordRun(context.WithoutCancel(ctx), id, result); err != nil {
		logger.Error().Err(err).Msg("failed to record schedule run")
	}
	return result.NextRunAt, cadence
}

func invoke(ctx context.Context, handler HandlerFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in schedule handler: %v", r)
		}
	}()
	return handler(ctx)
}

// cadenceOf prefers the cron expression and falls back to every_seconds.
func cadenceOf(cfg domain.ScheduleConfig) (cron.Schedule, error) {
	if cfg.CronExpr != "" {
		sched, err := cron.ParseStandard(cfg.CronExpr)
		if err != nil {
			return nil, errors.Join(ErrInvalidCadence, err)
		}
		return sched, nil
	}
	if cfg.EverySeconds <= 0 {
		return nil, ErrInvalidCadence
	}
	return cron.Every(time.Duration(cfg.EverySeconds) * time.Second), nil
}

// ValidateCadence reports whether cfg carries a usable cadence.
func ValidateCadence(cfg domain.ScheduleConfig) error {
	_, err := cadenceOf(cfg)
	return err
}
