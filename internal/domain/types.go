package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusRunning    TaskStatus = "running"
	StatusRetrying   TaskStatus = "retrying"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusDeadLetter TaskStatus = "dead_letter"
	StatusCanceled   TaskStatus = "canceled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDeadLetter, StatusCanceled:
		return true
	}
	return false
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusRetrying, StatusCompleted,
		StatusFailed, StatusDeadLetter, StatusCanceled:
		return true
	}
	return false
}

type Task struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	TaskType       string          `json:"task_type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	Status         TaskStatus      `json:"status"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ScheduledFor   time.Time       `json:"scheduled_for"`
	VisibleAt      time.Time       `json:"visible_at"`
	LockedUntil    *time.Time      `json:"locked_until,omitempty"`
	LockedBy       string          `json:"locked_by,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Claimable reports whether a dequeue at now may take t. Expired leases
// count as claimable so crashed workers never strand a task.
func (t *Task) Claimable(now time.Time) bool {
	switch t.Status {
	case StatusPending, StatusRetrying:
		return !t.VisibleAt.After(now)
	case StatusRunning:
		return t.LockedUntil == nil || !t.LockedUntil.After(now)
	}
	return false
}

// ClearLease drops the lease fields.
func (t *Task) ClearLease() {
	t.LockedBy = ""
	t.LockedUntil = nil
}

type DeadLetterReason string

const (
	ReasonRetriesExhausted DeadLetterReason = "retries_exhausted"
	ReasonNonRetryable     DeadLetterReason = "non_retryable"
	ReasonPoison           DeadLetterReason = "poison"
	ReasonManual           DeadLetterReason = "manual"
)

type DeadLetterMessage struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenant_id"`
	TaskID       string           `json:"task_id,omitempty"`
	TaskType     string           `json:"task_type"`
	Payload      json.RawMessage  `json:"payload"`
	Reason       DeadLetterReason `json:"reason"`
	ErrorMessage string           `json:"error_message,omitempty"`
	RetryCount   int              `json:"retry_count"`
	Replayed     bool             `json:"replayed"`
	ReplayedAt   *time.Time       `json:"replayed_at,omitempty"`
	ReplayTaskID string           `json:"replay_task_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

type ScheduleConfig struct {
	ID           string `json:"id" yaml:"id"`
	TenantID     string `json:"tenant_id" yaml:"tenant_id"`
	JobCode      string `json:"job_code" yaml:"job_code"`
	JobName      string `json:"job_name" yaml:"job_name"`
	EverySeconds int    `json:"every_seconds" yaml:"every_seconds"`
	CronExpr     string `json:"cron_expr,omitempty" yaml:"cron_expr"`

	// TaskType, Payload and Priority describe the task enqueued on every
	// run of a schedule started with StartEnqueuing. Priority nil means the
	// queue default.
	TaskType string          `json:"task_type,omitempty" yaml:"-"`
	Payload  json.RawMessage `json:"payload,omitempty" yaml:"-"`
	Priority *int            `json:"priority,omitempty" yaml:"-"`

	NextRunAt     time.Time  `json:"next_run_at" yaml:"-"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty" yaml:"-"`
	LastRunStatus RunStatus  `json:"last_run_status,omitempty" yaml:"-"`
	IsEnabled     bool       `json:"is_enabled" yaml:"enabled"`
	RunCount      int        `json:"run_count" yaml:"-"`
	ErrorCount    int        `json:"error_count" yaml:"-"`
	CreatedAt     time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time  `json:"updated_at" yaml:"-"`
}

// ScheduleRun is the outcome of one scheduler tick.
type ScheduleRun struct {
	At        time.Time
	Status    RunStatus
	NextRunAt time.Time
}
