// Package queue implements the multi-tenant task queue: enqueue, lease-based
// dequeue, completion, and failure with retry or dead-lettering.
//
// The queue holds no state of its own. Every transition is a
// version-guarded write against a Store, so any number of Queue values in
// any number of processes may share one store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tenantq/internal/domain"
	"tenantq/internal/retry"
)

// conflictRetries bounds how often administrative transitions re-read a task
// that changed underneath them.
const conflictRetries = 3

type Queue struct {
	store  Store
	dlq    DeadLetterSink
	policy retry.Policy
	clock  clockwork.Clock
	log    zerolog.Logger
	newID  func() string

	defaultPriority   int
	defaultMaxRetries int
	dedupWindow       time.Duration
}

func New(store Store, opts ...Option) (*Queue, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	q := &Queue{
		store:             store,
		policy:            retry.Default(),
		clock:             clockwork.NewRealClock(),
		log:               log.Logger,
		newID:             newTaskID,
		defaultPriority:   DefaultPriority,
		defaultMaxRetries: DefaultMaxRetries,
		dedupWindow:       DefaultDedupWindow,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue stores a new pending task and returns its id.
//
// payload is marshalled to JSON; json.RawMessage and []byte are taken as
// already-encoded JSON. When an idempotency key is given and a live task of
// the same tenant already carries it, the existing task id is returned and
// nothing is written.
func (q *Queue) Enqueue(ctx context.Context, tenantID, taskType string, payload any, opts ...EnqueueOption) (string, error) {
	if tenantID == "" {
		return "", ErrTenantRequired
	}
	if taskType == "" {
		return "", ErrTaskTypeRequired
	}

	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	priority := q.defaultPriority
	if o.priority != nil {
		priority = *o.priority
	}
	maxRetries := q.defaultMaxRetries
	if o.maxRetries != nil {
		maxRetries = *o.maxRetries
	}
	if maxRetries < 0 {
		return "", ErrInvalidMaxRetries
	}

	raw, err := encodeJSON(payload)
	if err != nil {
		return "", errors.Join(ErrPayloadMarshal, err)
	}

	now := q.clock.Now().UTC()
	scheduledFor := now
	if !o.scheduledFor.IsZero() {
		scheduledFor = o.scheduledFor.UTC()
	}

	t := &domain.Task{
		ID:             q.newID(),
		TenantID:       tenantID,
		TaskType:       taskType,
		Payload:        raw,
		Priority:       priority,
		Status:         domain.StatusPending,
		MaxRetries:     maxRetries,
		IdempotencyKey: o.idempotencyKey,
		ScheduledFor:   scheduledFor,
		VisibleAt:      scheduledFor,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, created, err := q.store.CreateTask(ctx, t, now.Add(-q.dedupWindow))
	if err != nil {
		return "", fmt.Errorf("enqueue %s task for tenant %s: %w", taskType, tenantID, err)
	}

	if !created {
		q.log.Debug().
			Str("task_id", stored.ID).
			Str("tenant_id", tenantID).
			Str("idempotency_key", o.idempotencyKey).
			Msg("duplicate enqueue resolved to existing task")
		return stored.ID, nil
	}

	q.log.Debug().
		Str("task_id", stored.ID).
		Str("tenant_id", tenantID).
		Str("task_type", taskType).
		Int("priority", priority).
		Time("scheduled_for", scheduledFor).
		Msg("task enqueued")
	return stored.ID, nil
}

// DequeueRequest selects the scope and lease of a dequeue.
type DequeueRequest struct {
	// TenantID restricts the claim to one tenant. Empty claims across all
	// tenants.
	TenantID string
	WorkerID string
	Lease    time.Duration
}

// Dequeue claims at most one task for req.WorkerID. It never blocks: a nil
// task with a nil error means nothing is eligible right now.
func (q *Queue) Dequeue(ctx context.Context, req DequeueRequest) (*domain.Task, error) {
	if req.WorkerID == "" {
		return nil, ErrWorkerRequired
	}
	if req.Lease <= 0 {
		return nil, ErrInvalidLease
	}

	now := q.clock.Now().UTC()
	t, err := q.store.ClaimTask(ctx, req.TenantID, req.WorkerID, now, now.Add(req.Lease))
	if errors.Is(err, domain.ErrNoTaskToClaim) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	q.log.Debug().
		Str("task_id", t.ID).
		Str("tenant_id", t.TenantID).
		Str("worker_id", req.WorkerID).
		Int("retry_count", t.RetryCount).
		Msg("task leased")
	return t, nil
}

// Complete records a successful attempt. The caller must still hold the
// lease it got from Dequeue.
func (q *Queue) Complete(ctx context.Context, taskID, workerID string, result any) error {
	raw, err := encodeResult(result)
	if err != nil {
		return errors.Join(ErrResultMarshal, err)
	}

	t, err := q.leased(ctx, taskID, workerID)
	if err != nil {
		return err
	}

	now := q.clock.Now().UTC()
	t.Status = domain.StatusCompleted
	t.Result = raw
	t.ErrorMessage = ""
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.ClearLease()

	if err := q.settle(ctx, t); err != nil {
		return err
	}

	q.log.Debug().Str("task_id", taskID).Str("worker_id", workerID).Msg("task completed")
	return nil
}

// Fail records a failed attempt. A retryable failure with retries left hides
// the task for the policy's backoff; anything else dead-letters it.
func (q *Queue) Fail(ctx context.Context, taskID, workerID, errMsg string, retryable bool) error {
	t, err := q.leased(ctx, taskID, workerID)
	if err != nil {
		return err
	}

	now := q.clock.Now().UTC()
	t.ErrorMessage = errMsg
	t.UpdatedAt = now
	t.ClearLease()

	d := retry.Decide(q.policy, t.RetryCount, t.MaxRetries, retryable)
	if !d.Retry {
		reason := domain.ReasonRetriesExhausted
		if !retryable {
			reason = domain.ReasonNonRetryable
		}
		return q.bury(ctx, t, reason)
	}

	t.RetryCount++
	t.Status = domain.StatusRetrying
	t.VisibleAt = now.Add(d.Delay)
	if t.VisibleAt.Before(t.ScheduledFor) {
		t.VisibleAt = t.ScheduledFor
	}

	if err := q.settle(ctx, t); err != nil {
		return err
	}

	q.log.Info().
		Str("task_id", taskID).
		Str("tenant_id", t.TenantID).
		Int("retry_count", t.RetryCount).
		Int("max_retries", t.MaxRetries).
		Dur("backoff", d.Delay).
		Str("error", errMsg).
		Msg("task scheduled for retry")
	return nil
}

// Poison dead-letters a leased task at once, bypassing the retry budget.
func (q *Queue) Poison(ctx context.Context, taskID, workerID, errMsg string) error {
	t, err := q.leased(ctx, taskID, workerID)
	if err != nil {
		return err
	}

	t.ErrorMessage = errMsg
	t.UpdatedAt = q.clock.Now().UTC()
	t.ClearLease()
	return q.bury(ctx, t, domain.ReasonPoison)
}

// ExtendLease pushes the lease of a running task to now+d.
func (q *Queue) ExtendLease(ctx context.Context, taskID, workerID string, d time.Duration) error {
	if d <= 0 {
		return ErrInvalidLease
	}
	t, err := q.leased(ctx, taskID, workerID)
	if err != nil {
		return err
	}

	now := q.clock.Now().UTC()
	until := now.Add(d)
	t.LockedUntil = &until
	t.UpdatedAt = now
	return q.settle(ctx, t)
}

// Cancel moves a task that has not finished to canceled. A running handler
// is not interrupted; it observes the change when it tries to settle.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	return q.administer(ctx, taskID, func(t *domain.Task, now time.Time) {
		t.Status = domain.StatusCanceled
		t.UpdatedAt = now
		t.ClearLease()
	})
}

// DeadLetter moves a task that has not finished to the dead letter queue
// with reason manual.
func (q *Queue) DeadLetter(ctx context.Context, taskID, errMsg string) error {
	var buried *domain.Task
	err := q.administer(ctx, taskID, func(t *domain.Task, now time.Time) {
		t.Status = domain.StatusDeadLetter
		t.UpdatedAt = now
		if errMsg != "" {
			t.ErrorMessage = errMsg
		}
		t.ClearLease()
		buried = t
	})
	if err != nil {
		return err
	}
	q.handOff(ctx, *buried, domain.ReasonManual)
	return nil
}

func (q *Queue) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return t, nil
}

// ListTasks returns the tenant's tasks, optionally filtered by status.
func (q *Queue) ListTasks(ctx context.Context, tenantID string, status domain.TaskStatus) ([]domain.Task, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	tasks, err := q.store.ListTasks(ctx, tenantID, status)
	if err != nil {
		return nil, fmt.Errorf("list tasks for tenant %s: %w", tenantID, err)
	}
	return tasks, nil
}

// Stats counts tasks per status across all tenants.
func (q *Queue) Stats(ctx context.Context) (map[domain.TaskStatus]int, error) {
	counts, err := q.store.CountTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	return counts, nil
}

// Requeue enqueues a fresh task equivalent to a dead-lettered one. The
// idempotency key is derived from the message id, so replaying the same
// message twice yields one task.
func (q *Queue) Requeue(ctx context.Context, msg domain.DeadLetterMessage) (string, error) {
	return q.Enqueue(ctx, msg.TenantID, msg.TaskType, msg.Payload,
		WithIdempotencyKey("dlq-replay:"+msg.ID))
}

func (q *Queue) leased(ctx context.Context, taskID, workerID string) (*domain.Task, error) {
	if workerID == "" {
		return nil, ErrWorkerRequired
	}
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if t.Status != domain.StatusRunning || t.LockedBy != workerID {
		return nil, ErrLeaseLost
	}
	return t, nil
}

// settle writes a lease holder's transition. Losing the version race means
// someone else reclaimed or canceled the task.
func (q *Queue) settle(ctx context.Context, t *domain.Task) error {
	err := q.store.UpdateTask(ctx, t)
	if errors.Is(err, domain.ErrVersionConflict) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

func (q *Queue) bury(ctx context.Context, t *domain.Task, reason domain.DeadLetterReason) error {
	t.Status = domain.StatusDeadLetter
	if err := q.settle(ctx, t); err != nil {
		return err
	}
	q.handOff(ctx, *t, reason)
	return nil
}

// handOff passes a dead-lettered task to the DLQ. The task transition has
// already been stored, so a DLQ failure is logged and swallowed.
func (q *Queue) handOff(ctx context.Context, t domain.Task, reason domain.DeadLetterReason) {
	q.log.Warn().
		Str("task_id", t.ID).
		Str("tenant_id", t.TenantID).
		Str("task_type", t.TaskType).
		Str("reason", string(reason)).
		Int("retry_count", t.RetryCount).
		Str("error", t.ErrorMessage).
		Msg("task dead-lettered")

	if q.dlq == nil {
		return
	}
	if err := q.dlq.DeadLetter(ctx, t, reason); err != nil {
		q.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to record dead letter message")
	}
}

// administer applies fn to a non-terminal task, re-reading on version
// conflicts.
func (q *Queue) administer(ctx context.Context, taskID string, fn func(t *domain.Task, now time.Time)) error {
	for attempt := 0; ; attempt++ {
		t, err := q.store.GetTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("get task %s: %w", taskID, err)
		}
		if t.Status.Terminal() {
			return ErrTaskFinished
		}

		fn(t, q.clock.Now().UTC())

		err = q.store.UpdateTask(ctx, t)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt+1 >= conflictRetries {
			return fmt.Errorf("update task %s: %w", taskID, err)
		}
	}
}

func encodeJSON(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case json.RawMessage:
		return validJSON(p)
	case []byte:
		return validJSON(p)
	}
	return json.Marshal(v)
}

func encodeResult(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return encodeJSON(v)
}

func validJSON(b []byte) (json.RawMessage, error) {
	if len(b) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(b) {
		return nil, errors.New("payload is not valid JSON")
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out, nil
}
