package scheduler

import (
	"context"
	"errors"
	"fmt"

	"tenantq/internal/queue"
)

// Enqueuer is the part of the task queue a schedule needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, tenantID, taskType string, payload any, opts ...queue.EnqueueOption) (string, error)
}

// EnqueueHandler returns a handler that enqueues one taskType task per tick.
func EnqueueHandler(q Enqueuer, tenantID, taskType string, payload any, opts ...queue.EnqueueOption) HandlerFunc {
	return func(ctx context.Context) error {
		if _, err := q.Enqueue(ctx, tenantID, taskType, payload, opts...); err != nil {
			return fmt.Errorf("enqueue scheduled %s task: %w", taskType, err)
		}
		return nil
	}
}

// StartEnqueuing starts the schedule with a handler that enqueues the task
// stored on the schedule itself. The target is read on every tick, so a
// re-registered schedule picks up its new task type and payload.
func (s *Scheduler) StartEnqueuing(ctx context.Context, id string, q Enqueuer) error {
	cfg, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return fmt.Errorf("get schedule %s: %w", id, err)
	}
	if cfg.TaskType == "" {
		return ErrNoTaskType
	}
	return s.Start(ctx, id, s.enqueueTarget(q, id))
}

// StartStored starts every stored schedule that carries a task type and is
// not running yet. It returns how many were started.
func (s *Scheduler) StartStored(ctx context.Context, q Enqueuer) (int, error) {
	all, err := s.store.ListSchedules(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list schedules: %w", err)
	}

	started := 0
	for _, cfg := range all {
		if cfg.TaskType == "" {
			continue
		}
		err := s.Start(ctx, cfg.ID, s.enqueueTarget(q, cfg.ID))
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrAlreadyRunning):
		default:
			return started, err
		}
	}
	return started, nil
}

func (s *Scheduler) enqueueTarget(q Enqueuer, id string) HandlerFunc {
	return func(ctx context.Context) error {
		cfg, err := s.store.GetSchedule(ctx, id)
		if err != nil {
			return fmt.Errorf("get schedule %s: %w", id, err)
		}
		if cfg.TaskType == "" {
			return ErrNoTaskType
		}
		var opts []queue.EnqueueOption
		if cfg.Priority != nil {
			opts = append(opts, queue.WithPriority(*cfg.Priority))
		}
		return EnqueueHandler(q, cfg.TenantID, cfg.TaskType, cfg.Payload, opts...)(ctx)
	}
}
