package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantq/internal/dlq"
	"tenantq/internal/domain"
	"tenantq/internal/queue"
	"tenantq/internal/retry"
	"tenantq/internal/storage/memory"
	"tenantq/internal/worker"
)

const waitFor = 3 * time.Second

type harness struct {
	queue *queue.Queue
	dlq   *dlq.DLQ
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	d, err := dlq.New(store, dlq.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	q, err := queue.New(store,
		queue.WithLogger(zerolog.Nop()),
		queue.WithDeadLetterSink(d),
		queue.WithRetryPolicy(retry.Constant{}),
	)
	require.NoError(t, err)
	return &harness{queue: q, dlq: d}
}

// start runs the pool until the test ends and waits for Run to return.
func start(t *testing.T, q worker.Queue, handlers map[string]worker.Handler, opts ...worker.Option) {
	t.Helper()
	base := []worker.Option{
		worker.WithLogger(zerolog.Nop()),
		worker.WithPollInterval(5 * time.Millisecond),
		worker.WithSize(4),
	}
	pool, err := worker.NewPool(q, handlers, append(base, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func waitStatus(t *testing.T, q *queue.Queue, id string, want domain.TaskStatus) *domain.Task {
	t.Helper()
	var last *domain.Task
	require.Eventually(t, func() bool {
		task, err := q.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		last = task
		return task.Status == want
	}, waitFor, 5*time.Millisecond)
	return last
}

// waitMessages polls the DLQ since the message lands after the task update.
func waitMessages(t *testing.T, d *dlq.DLQ, tenantID string, n int) []domain.DeadLetterMessage {
	t.Helper()
	var msgs []domain.DeadLetterMessage
	require.Eventually(t, func() bool {
		var err error
		msgs, err = d.ListMessages(context.Background(), tenantID)
		return err == nil && len(msgs) == n
	}, waitFor, 5*time.Millisecond)
	return msgs
}

func TestNewPool(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := worker.NewPool(nil, map[string]worker.Handler{"x": worker.HandlerFunc(nil)})
	assert.ErrorIs(t, err, worker.ErrQueueNil)

	_, err = worker.NewPool(h.queue, nil)
	assert.ErrorIs(t, err, worker.ErrNoHandlers)

	pool, err := worker.NewPool(h.queue, map[string]worker.Handler{"x": worker.HandlerFunc(nil)}, worker.WithWorkerID("wrk_fixed"))
	require.NoError(t, err)
	assert.Equal(t, "wrk_fixed", pool.ID())
}

func TestPool_LeaseHolderID(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.queue.Enqueue(ctx, "acme", "inspect", nil)
	require.NoError(t, err)

	holder := make(chan string, 1)
	start(t, h.queue, map[string]worker.Handler{
		"inspect": worker.HandlerFunc(func(ctx context.Context, _ json.RawMessage) (any, error) {
			task, err := h.queue.GetTask(ctx, id)
			if err != nil {
				return nil, err
			}
			holder <- task.LockedBy
			return nil, nil
		}),
	}, worker.WithWorkerID("wrk_fixed"))

	select {
	case got := <-holder:
		assert.Regexp(t, `^wrk_fixed-\d+$`, got)
	case <-time.After(waitFor):
		t.Fatal("task was not picked up")
	}
}

func TestPool_CompletesTasks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	ids := make([]string, 0, 10)
	for i := range 10 {
		id, err := h.queue.Enqueue(ctx, "acme", "double", map[string]int{"n": i})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	start(t, h.queue, map[string]worker.Handler{
		"double": worker.HandlerFunc(func(_ context.Context, payload json.RawMessage) (any, error) {
			var in struct{ N int }
			if err := json.Unmarshal(payload, &in); err != nil {
				return nil, worker.Permanent(err)
			}
			return map[string]int{"n": in.N * 2}, nil
		}),
	})

	for i, id := range ids {
		task := waitStatus(t, h.queue, id, domain.StatusCompleted)
		var out struct{ N int }
		require.NoError(t, json.Unmarshal(task.Result, &out))
		assert.Equal(t, i*2, out.N)
	}
}

func TestPool_RetriesThenDeadLetters(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.queue.Enqueue(ctx, "acme", "flaky", nil, queue.WithMaxRetries(2))
	require.NoError(t, err)

	var calls atomic.Int32
	start(t, h.queue, map[string]worker.Handler{
		"flaky": worker.HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			calls.Add(1)
			return nil, errors.New("connection reset")
		}),
	})

	task := waitStatus(t, h.queue, id, domain.StatusDeadLetter)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "connection reset", task.ErrorMessage)

	msgs := waitMessages(t, h.dlq, "acme", 1)
	assert.Equal(t, domain.ReasonRetriesExhausted, msgs[0].Reason)
}

func TestPool_RecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.queue.Enqueue(ctx, "acme", "flaky", nil)
	require.NoError(t, err)

	var calls atomic.Int32
	start(t, h.queue, map[string]worker.Handler{
		"flaky": worker.HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("try again")
			}
			return "ok", nil
		}),
	})

	task := waitStatus(t, h.queue, id, domain.StatusCompleted)
	assert.Equal(t, 1, task.RetryCount)
	assert.JSONEq(t, `"ok"`, string(task.Result))
}

func TestPool_PermanentErrorSkipsRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.queue.Enqueue(ctx, "acme", "strict", nil)
	require.NoError(t, err)

	start(t, h.queue, map[string]worker.Handler{
		"strict": worker.HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			return nil, worker.Permanent(errors.New("invalid recipient"))
		}),
	})

	task := waitStatus(t, h.queue, id, domain.StatusDeadLetter)
	assert.Zero(t, task.RetryCount)

	msgs := waitMessages(t, h.dlq, "acme", 1)
	assert.Equal(t, domain.ReasonNonRetryable, msgs[0].Reason)
}

func TestPool_PanicPoisonsTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.queue.Enqueue(ctx, "acme", "explode", nil)
	require.NoError(t, err)

	start(t, h.queue, map[string]worker.Handler{
		"explode": worker.HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			panic("nil map write")
		}),
	})

	task := waitStatus(t, h.queue, id, domain.StatusDeadLetter)
	assert.Contains(t, task.ErrorMessage, "nil map write")

	msgs := waitMessages(t, h.dlq, "acme", 1)
	assert.Equal(t, domain.ReasonPoison, msgs[0].Reason)
}

func TestPool_MissingHandler(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.queue.Enqueue(ctx, "acme", "unknown", nil)
	require.NoError(t, err)

	start(t, h.queue, map[string]worker.Handler{
		"known": worker.HandlerFunc(func(context.Context, json.RawMessage) (any, error) { return nil, nil }),
	})

	task := waitStatus(t, h.queue, id, domain.StatusDeadLetter)
	assert.Contains(t, task.ErrorMessage, "no handler registered")
}

func TestPool_TenantScope(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	mine, err := h.queue.Enqueue(ctx, "acme", "job", nil)
	require.NoError(t, err)
	theirs, err := h.queue.Enqueue(ctx, "globex", "job", nil)
	require.NoError(t, err)

	start(t, h.queue, map[string]worker.Handler{
		"job": worker.HandlerFunc(func(context.Context, json.RawMessage) (any, error) { return nil, nil }),
	}, worker.WithTenant("acme"))

	waitStatus(t, h.queue, mine, domain.StatusCompleted)

	task, err := h.queue.GetTask(ctx, theirs)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
}

func TestPool_BoundedConcurrency(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	for range 12 {
		_, err := h.queue.Enqueue(ctx, "acme", "slow", nil)
		require.NoError(t, err)
	}

	var running, peak, done atomic.Int32
	start(t, h.queue, map[string]worker.Handler{
		"slow": worker.HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			done.Add(1)
			return nil, nil
		}),
	}, worker.WithSize(3))

	require.Eventually(t, func() bool { return done.Load() == 12 }, waitFor, 5*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestPool_RunWaitsForInFlightTasks(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.queue.Enqueue(ctx, "acme", "block", nil)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	pool, err := worker.NewPool(h.queue, map[string]worker.Handler{
		"block": worker.HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			close(started)
			<-release
			return nil, nil
		}),
	}, worker.WithLogger(zerolog.Nop()), worker.WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- pool.Run(runCtx) }()

	<-started
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while a task was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)

	task, err := h.queue.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status, "shutdown lets the task settle")
}

// leaseRecorder wraps a queue and counts lease extensions.
type leaseRecorder struct {
	worker.Queue
	mu      sync.Mutex
	extends int
	lost    bool
}

func (r *leaseRecorder) ExtendLease(ctx context.Context, taskID, workerID string, d time.Duration) error {
	r.mu.Lock()
	r.extends++
	lost := r.lost
	r.mu.Unlock()
	if lost {
		return queue.ErrLeaseLost
	}
	return r.Queue.ExtendLease(ctx, taskID, workerID, d)
}

func (r *leaseRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.extends
}

func TestPool_HeartbeatExtendsLease(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.queue.Enqueue(ctx, "acme", "long", nil)
	require.NoError(t, err)

	rec := &leaseRecorder{Queue: h.queue}
	start(t, rec, map[string]worker.Handler{
		"long": worker.HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			time.Sleep(120 * time.Millisecond)
			return nil, nil
		}),
	}, worker.WithLease(40*time.Millisecond))

	waitStatus(t, h.queue, id, domain.StatusCompleted)
	assert.GreaterOrEqual(t, rec.count(), 2)
}

func TestPool_LostLeaseCancelsHandler(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.queue.Enqueue(ctx, "acme", "long", nil)
	require.NoError(t, err)

	rec := &leaseRecorder{Queue: h.queue, lost: true}
	cancelled := make(chan struct{})
	var once sync.Once
	start(t, rec, map[string]worker.Handler{
		"long": worker.HandlerFunc(func(ctx context.Context, _ json.RawMessage) (any, error) {
			select {
			case <-ctx.Done():
				once.Do(func() { close(cancelled) })
				return nil, ctx.Err()
			case <-time.After(waitFor):
				return nil, nil
			}
		}),
	}, worker.WithLease(40*time.Millisecond))

	select {
	case <-cancelled:
	case <-time.After(waitFor):
		t.Fatal("handler was not cancelled after the lease was lost")
	}
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	base := errors.New("bad input")
	err := worker.Permanent(base)
	assert.True(t, worker.IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "bad input", err.Error())

	assert.False(t, worker.IsPermanent(base))
	assert.NoError(t, worker.Permanent(nil))
}
