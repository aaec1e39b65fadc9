package queue

import (
	"context"
	"time"

	"tenantq/internal/domain"
)

// Store is the Task Record Store the queue runs on. Implementations must
// make CreateTask, ClaimTask and UpdateTask atomic with respect to each other.
type Store interface {
	// CreateTask inserts t unless t.IdempotencyKey is set and a task of the
	// same tenant with that key blocks it. A blocking task is one that is
	// pending, running or retrying, or completed at or after dedupSince.
	// It returns the stored task and whether it was newly created.
	CreateTask(ctx context.Context, t *domain.Task, dedupSince time.Time) (*domain.Task, bool, error)

	// ClaimTask picks the first claimable task by (priority, scheduled_for,
	// enqueue order), moves it to running under workerID until lockUntil,
	// stamps StartedAt with now and bumps its version. tenantID "" matches
	// every tenant. It returns domain.ErrNoTaskToClaim when nothing is
	// eligible at now.
	ClaimTask(ctx context.Context, tenantID, workerID string, now, lockUntil time.Time) (*domain.Task, error)

	// UpdateTask overwrites the mutable fields of t when the stored version
	// equals t.Version, then advances t.Version. A mismatch yields
	// domain.ErrVersionConflict and leaves t untouched.
	UpdateTask(ctx context.Context, t *domain.Task) error

	GetTask(ctx context.Context, id string) (*domain.Task, error)

	// ListTasks returns tasks of a tenant in creation order. status ""
	// matches every status.
	ListTasks(ctx context.Context, tenantID string, status domain.TaskStatus) ([]domain.Task, error)

	CountTasks(ctx context.Context) (map[domain.TaskStatus]int, error)
}

// DeadLetterSink receives tasks the queue has given up on.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, t domain.Task, reason domain.DeadLetterReason) error
}
