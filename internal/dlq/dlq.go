// Package dlq stores permanently failed tasks and replays them back into
// the queue.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tenantq/internal/domain"
)

var (
	ErrStoreNil       = errors.New("store cannot be nil")
	ErrTenantRequired = errors.New("tenant id is required")
	ErrReasonRequired = errors.New("dead letter reason is required")
)

// Store persists dead letter messages.
type Store interface {
	CreateMessage(ctx context.Context, m *domain.DeadLetterMessage) error
	GetMessage(ctx context.Context, id string) (*domain.DeadLetterMessage, error)

	// ListMessages returns a tenant's messages in creation order, only the
	// unreplayed ones when unreplayedOnly is set.
	ListMessages(ctx context.Context, tenantID string, unreplayedOnly bool) ([]domain.DeadLetterMessage, error)

	// MarkReplayed flips Replayed to true and records at and taskID. It
	// reports false without writing when the message was already replayed.
	MarkReplayed(ctx context.Context, id string, at time.Time, taskID string) (bool, error)
}

// Requeuer turns a dead letter message back into a task.
type Requeuer interface {
	Requeue(ctx context.Context, msg domain.DeadLetterMessage) (string, error)
}

type Option func(*DLQ)

func WithClock(c clockwork.Clock) Option {
	return func(d *DLQ) {
		if c != nil {
			d.clock = c
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *DLQ) { d.log = l }
}

// WithRequeuer makes Replay enqueue the replacement task itself.
func WithRequeuer(r Requeuer) Option {
	return func(d *DLQ) { d.requeuer = r }
}

func WithIDGenerator(fn func() string) Option {
	return func(d *DLQ) {
		if fn != nil {
			d.newID = fn
		}
	}
}

type DLQ struct {
	store    Store
	requeuer Requeuer
	clock    clockwork.Clock
	log      zerolog.Logger
	newID    func() string
}

func New(store Store, opts ...Option) (*DLQ, error) {
	if store == nil {
		return nil, ErrStoreNil
	}
	d := &DLQ{
		store: store,
		clock: clockwork.NewRealClock(),
		log:   log.Logger,
		newID: func() string { return "dlq_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

type AddParams struct {
	TenantID     string
	TaskID       string
	TaskType     string
	Payload      json.RawMessage
	Reason       domain.DeadLetterReason
	ErrorMessage string
	RetryCount   int
}

// Add records a dead letter message. It sits on the terminal path of task
// processing, so it recovers from panics in the store and reports them as
// errors instead.
func (d *DLQ) Add(ctx context.Context, p AddParams) (id string, err error) {
	if p.TenantID == "" {
		return "", ErrTenantRequired
	}
	if p.Reason == "" {
		return "", ErrReasonRequired
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store panicked: %v", r)
			id = ""
			d.log.Error().Err(err).Str("task_id", p.TaskID).Msg("failed to store dead letter message")
		}
	}()

	now := d.clock.Now().UTC()
	m := &domain.DeadLetterMessage{
		ID:           d.newID(),
		TenantID:     p.TenantID,
		TaskID:       p.TaskID,
		TaskType:     p.TaskType,
		Payload:      p.Payload,
		Reason:       p.Reason,
		ErrorMessage: p.ErrorMessage,
		RetryCount:   p.RetryCount,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if len(m.Payload) == 0 {
		m.Payload = json.RawMessage("null")
	}

	if err := d.store.CreateMessage(ctx, m); err != nil {
		d.log.Error().Err(err).Str("task_id", p.TaskID).Str("tenant_id", p.TenantID).Msg("failed to store dead letter message")
		return "", fmt.Errorf("create dead letter message: %w", err)
	}

	d.log.Info().
		Str("message_id", m.ID).
		Str("task_id", p.TaskID).
		Str("tenant_id", p.TenantID).
		Str("reason", string(p.Reason)).
		Msg("dead letter message stored")
	return m.ID, nil
}

// DeadLetter records a task the queue has given up on.
func (d *DLQ) DeadLetter(ctx context.Context, t domain.Task, reason domain.DeadLetterReason) error {
	_, err := d.Add(ctx, AddParams{
		TenantID:     t.TenantID,
		TaskID:       t.ID,
		TaskType:     t.TaskType,
		Payload:      t.Payload,
		Reason:       reason,
		ErrorMessage: t.ErrorMessage,
		RetryCount:   t.RetryCount,
	})
	return err
}

// Replay marks a message as replayed. With a requeuer configured it first
// enqueues the replacement task; the requeuer deduplicates on the message
// id, so a replay that is retried after a partial failure, or raced by a
// second replay, still produces a single task.
//
// Replaying an already replayed message returns it unchanged.
func (d *DLQ) Replay(ctx context.Context, id string) (*domain.DeadLetterMessage, error) {
	m, err := d.store.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get dead letter message %s: %w", id, err)
	}
	if m.Replayed {
		return m, nil
	}

	var taskID string
	if d.requeuer != nil {
		taskID, err = d.requeuer.Requeue(ctx, *m)
		if err != nil {
			return nil, fmt.Errorf("requeue dead letter message %s: %w", id, err)
		}
	}

	now := d.clock.Now().UTC()
	changed, err := d.store.MarkReplayed(ctx, id, now, taskID)
	if err != nil {
		return nil, fmt.Errorf("mark dead letter message %s replayed: %w", id, err)
	}
	if !changed {
		return d.store.GetMessage(ctx, id)
	}

	m.Replayed = true
	m.ReplayedAt = &now
	m.ReplayTaskID = taskID
	m.UpdatedAt = now

	d.log.Info().
		Str("message_id", id).
		Str("tenant_id", m.TenantID).
		Str("task_id", taskID).
		Msg("dead letter message replayed")
	return m, nil
}

func (d *DLQ) GetMessage(ctx context.Context, id string) (*domain.DeadLetterMessage, error) {
	m, err := d.store.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get dead letter message %s: %w", id, err)
	}
	return m, nil
}

func (d *DLQ) ListMessages(ctx context.Context, tenantID string) ([]domain.DeadLetterMessage, error) {
	return d.list(ctx, tenantID, false)
}

func (d *DLQ) GetUnreplayed(ctx context.Context, tenantID string) ([]domain.DeadLetterMessage, error) {
	return d.list(ctx, tenantID, true)
}

func (d *DLQ) list(ctx context.Context, tenantID string, unreplayedOnly bool) ([]domain.DeadLetterMessage, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	msgs, err := d.store.ListMessages(ctx, tenantID, unreplayedOnly)
	if err != nil {
		return nil, fmt.Errorf("list dead letter messages for tenant %s: %w", tenantID, err)
	}
	return msgs, nil
}
