package queue

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"tenantq/internal/retry"
)

const (
	DefaultPriority    = 5
	DefaultMaxRetries  = 3
	DefaultDedupWindow = 24 * time.Hour
)

type Option func(*Queue)

func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) {
		if c != nil {
			q.clock = c
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(q *Queue) {
		if p != nil {
			q.policy = p
		}
	}
}

// WithDeadLetterSink wires the DLQ. Without a sink, dead-lettered tasks only
// change status.
func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(q *Queue) { q.dlq = s }
}

func WithDefaultPriority(p int) Option {
	return func(q *Queue) { q.defaultPriority = p }
}

func WithDefaultMaxRetries(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.defaultMaxRetries = n
		}
	}
}

// WithDedupWindow sets how long a completed task keeps blocking enqueues
// with the same idempotency key.
func WithDedupWindow(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.dedupWindow = d
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(q *Queue) {
		if fn != nil {
			q.newID = fn
		}
	}
}

func newTaskID() string { return "tsk_" + uuid.NewString() }

type enqueueOptions struct {
	priority       *int
	scheduledFor   time.Time
	idempotencyKey string
	maxRetries     *int
}

type EnqueueOption func(*enqueueOptions)

// WithPriority orders the task among equally visible tasks; lower runs first.
func WithPriority(p int) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = &p }
}

// WithScheduledFor delays the first attempt until t.
func WithScheduledFor(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.scheduledFor = t }
}

func WithIdempotencyKey(key string) EnqueueOption {
	return func(o *enqueueOptions) { o.idempotencyKey = key }
}

func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxRetries = &n }
}
