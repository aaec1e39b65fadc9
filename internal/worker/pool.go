// Package worker drives registered handlers from the task queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tenantq/internal/domain"
	"tenantq/internal/queue"
)

var (
	ErrQueueNil   = errors.New("queue cannot be nil")
	ErrNoHandlers = errors.New("no handlers registered")
)

// Handler runs one task. The returned value is stored as the task result.
type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) (any, error)
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) (any, error) {
	return f(ctx, payload)
}

// Queue is the part of the task queue a pool drives.
type Queue interface {
	Dequeue(ctx context.Context, req queue.DequeueRequest) (*domain.Task, error)
	Complete(ctx context.Context, taskID, workerID string, result any) error
	Fail(ctx context.Context, taskID, workerID, errMsg string, retryable bool) error
	Poison(ctx context.Context, taskID, workerID, errMsg string) error
	ExtendLease(ctx context.Context, taskID, workerID string, d time.Duration) error
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the task goes straight to the
// dead letter queue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type Pool struct {
	queue    Queue
	handlers map[string]Handler
	sem      chan struct{}
	wg       sync.WaitGroup
	claims   atomic.Int64

	id        string
	size      int
	tenantID  string
	pollEvery time.Duration
	lease     time.Duration
	timeout   time.Duration
	clock     clockwork.Clock
	log       zerolog.Logger
}

func NewPool(q Queue, handlers map[string]Handler, opts ...Option) (*Pool, error) {
	if q == nil {
		return nil, ErrQueueNil
	}
	if len(handlers) == 0 {
		return nil, ErrNoHandlers
	}

	p := &Pool{
		queue:     q,
		handlers:  handlers,
		id:        "wrk_" + uuid.NewString(),
		size:      8,
		pollEvery: 250 * time.Millisecond,
		lease:     time.Minute,
		clock:     clockwork.NewRealClock(),
		log:       log.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.size < 1 {
		p.size = 1
	}
	p.sem = make(chan struct{}, p.size)
	return p, nil
}

// ID is the prefix of every lease holder id this pool uses.
func (p *Pool) ID() string { return p.id }

// Run polls the queue until ctx is cancelled, then waits for in-flight
// tasks to settle. Running handlers are not cancelled by ctx.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info().
		Str("worker_id", p.id).
		Str("tenant_id", p.tenantID).
		Int("size", cap(p.sem)).
		Dur("lease", p.lease).
		Msg("worker pool started")

	t := p.clock.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Str("worker_id", p.id).Msg("worker pool stopping, waiting for in-flight tasks")
			p.wg.Wait()
			p.log.Info().Str("worker_id", p.id).Msg("worker pool stopped")
			return nil
		case <-t.Chan():
			p.drain(ctx)
		}
	}
}

// drain claims tasks while slots are free and the queue has work.
func (p *Pool) drain(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case p.sem <- struct{}{}:
		default:
			return
		}

		holder := fmt.Sprintf("%s-%d", p.id, p.claims.Add(1))
		task, err := p.queue.Dequeue(ctx, queue.DequeueRequest{TenantID: p.tenantID, WorkerID: holder, Lease: p.lease})
		if err != nil || task == nil {
			<-p.sem
			if err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Str("worker_id", p.id).Msg("dequeue failed")
			}
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.process(context.WithoutCancel(ctx), task, holder)
		}()
	}
}

func (p *Pool) process(ctx context.Context, task *domain.Task, holder string) {
	logger := p.log.With().
		Str("worker_id", holder).
		Str("task_id", task.ID).
		Str("tenant_id", task.TenantID).
		Str("task_type", task.TaskType).
		Logger()

	h, ok := p.handlers[task.TaskType]
	if !ok {
		logger.Error().Msg("no handler registered for task type")
		p.settle(logger, p.queue.Fail(ctx, task.ID, holder, "no handler registered for task type: "+task.TaskType, false))
		return
	}

	var (
		hctx   context.Context
		cancel context.CancelFunc
	)
	if p.timeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, p.timeout)
	} else {
		hctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	stop := p.heartbeat(hctx, cancel, task.ID, holder, logger)
	start := p.clock.Now()
	result, panicked, err := invoke(hctx, h, task.Payload)
	stop()
	elapsed := p.clock.Since(start)

	switch {
	case panicked:
		logger.Error().Err(err).Dur("duration", elapsed).Msg("handler panicked")
		p.settle(logger, p.queue.Poison(ctx, task.ID, holder, err.Error()))
	case err != nil:
		logger.Warn().Err(err).
			Int("retry_count", task.RetryCount).
			Int("max_retries", task.MaxRetries).
			Dur("duration", elapsed).
			Msg("task failed")
		p.settle(logger, p.queue.Fail(ctx, task.ID, holder, err.Error(), !IsPermanent(err)))
	default:
		logger.Debug().Dur("duration", elapsed).Msg("task succeeded")
		p.settle(logger, p.queue.Complete(ctx, task.ID, holder, result))
	}
}

func (p *Pool) settle(logger zerolog.Logger, err error) {
	switch {
	case err == nil:
	case errors.Is(err, queue.ErrLeaseLost):
		logger.Warn().Msg("lease lost before the task settled, outcome dropped")
	default:
		logger.Error().Err(err).Msg("failed to settle task")
	}
}

// heartbeat extends the lease at half its length until the returned stop is
// called. Losing the lease cancels the handler.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, taskID, holder string, logger zerolog.Logger) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := p.clock.NewTicker(p.lease / 2)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.Chan():
				err := p.queue.ExtendLease(ctx, taskID, holder, p.lease)
				if errors.Is(err, queue.ErrLeaseLost) {
					logger.Warn().Msg("lease lost, cancelling handler")
					cancel()
					return
				}
				if err != nil {
					logger.Error().Err(err).Msg("failed to extend lease")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func invoke(ctx context.Context, h Handler, payload json.RawMessage) (result any, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
			panicked = true
		}
	}()
	result, err = h.Handle(ctx, payload)
	return result, false, err
}
