package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantq/internal/api"
	"tenantq/internal/dlq"
	"tenantq/internal/domain"
	"tenantq/internal/queue"
	"tenantq/internal/scheduler"
	"tenantq/internal/storage/memory"
)

type fixture struct {
	srv   *httptest.Server
	queue *queue.Queue
	dlq   *dlq.DLQ
	sched *scheduler.Scheduler
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.New()

	d, err := dlq.New(store, dlq.WithClock(clock), dlq.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	q, err := queue.New(store, queue.WithClock(clock), queue.WithLogger(zerolog.Nop()), queue.WithDeadLetterSink(d))
	require.NoError(t, err)
	dlqWithReplay, err := dlq.New(store, dlq.WithClock(clock), dlq.WithLogger(zerolog.Nop()), dlq.WithRequeuer(q))
	require.NoError(t, err)
	s, err := scheduler.New(store, scheduler.WithClock(clock), scheduler.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(s.StopAll)

	srv := httptest.NewServer(api.NewServer(q, dlqWithReplay, s, api.WithLogger(zerolog.Nop())))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, queue: q, dlq: dlqWithReplay, sched: s, clock: clock}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(b, &v))
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestSubmitAndGetTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"tenant_id":       "acme",
		"task_type":       "email",
		"payload":         map[string]string{"to": "ops@acme.test"},
		"priority":        1,
		"max_retries":     5,
		"idempotency_key": "welcome-1",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	id := decode[map[string]string](t, body)["id"]
	require.NotEmpty(t, id)

	resp, body = f.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	task := decode[domain.Task](t, body)
	assert.Equal(t, "acme", task.TenantID)
	assert.Equal(t, 1, task.Priority)
	assert.Equal(t, 5, task.MaxRetries)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.JSONEq(t, `{"to":"ops@acme.test"}`, string(task.Payload))

	t.Run("idempotent resubmit returns the same id", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, "/api/tasks", map[string]any{
			"tenant_id":       "acme",
			"task_type":       "email",
			"idempotency_key": "welcome-1",
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, id, decode[map[string]string](t, body)["id"])
	})
}

func TestSubmitTask_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name string
		body any
	}{
		{name: "missing tenant", body: map[string]any{"task_type": "email"}},
		{name: "missing type", body: map[string]any{"tenant_id": "acme"}},
		{name: "negative retries", body: map[string]any{"tenant_id": "acme", "task_type": "email", "max_retries": -1}},
		{name: "unknown field", body: map[string]any{"tenant_id": "acme", "task_type": "email", "attempts": 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/api/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, decode[map[string]string](t, body)["error"])
		})
	}
}

func TestGetTask_NotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/tasks/tsk_missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.queue.Enqueue(ctx, "acme", "a", nil)
	require.NoError(t, err)
	done, err := f.queue.Enqueue(ctx, "acme", "b", nil)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, "globex", "c", nil)
	require.NoError(t, err)
	require.NoError(t, f.queue.Cancel(ctx, done))

	resp, body := f.do(t, http.MethodGet, "/api/tasks?tenant_id=acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]domain.Task](t, body), 2)

	resp, body = f.do(t, http.MethodGet, "/api/tasks?tenant_id=acme&status=canceled", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tasks := decode[[]domain.Task](t, body)
	require.Len(t, tasks, 1)
	assert.Equal(t, done, tasks[0].ID)

	resp, _ = f.do(t, http.MethodGet, "/api/tasks?tenant_id=acme&status=exploded", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/tasks", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "tenant is required")
}

func TestCancelTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	id, err := f.queue.Enqueue(context.Background(), "acme", "email", nil)
	require.NoError(t, err)

	resp, _ := f.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDeadLetterAndReplay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, "acme", "email", map[string]string{"to": "x"})
	require.NoError(t, err)

	resp, _ := f.do(t, http.MethodPost, "/api/tasks/"+id+"/dead-letter", map[string]string{"error": "bad address"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/dlq?tenant_id=acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decode[[]domain.DeadLetterMessage](t, body)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.ReasonManual, msgs[0].Reason)
	assert.Equal(t, "bad address", msgs[0].ErrorMessage)

	resp, body = f.do(t, http.MethodPost, "/api/dlq/"+msgs[0].ID+"/replay", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	replayed := decode[domain.DeadLetterMessage](t, body)
	assert.True(t, replayed.Replayed)
	require.NotEmpty(t, replayed.ReplayTaskID)

	task, err := f.queue.GetTask(ctx, replayed.ReplayTaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.JSONEq(t, `{"to":"x"}`, string(task.Payload))

	resp, body = f.do(t, http.MethodPost, "/api/dlq/"+msgs[0].ID+"/replay", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, replayed.ReplayTaskID, decode[domain.DeadLetterMessage](t, body).ReplayTaskID)

	resp, body = f.do(t, http.MethodGet, "/api/dlq?tenant_id=acme&unreplayed=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]domain.DeadLetterMessage](t, body))

	resp, _ = f.do(t, http.MethodGet, "/api/dlq/dlq_missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSchedules(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	resp, body := f.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"id":            "sch_digest",
		"tenant_id":     "acme",
		"job_name":      "Daily digest",
		"every_seconds": 60,
		"task_type":     "digest",
		"payload":       map[string]string{"kind": "daily"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, "sch_digest", decode[map[string]string](t, body)["id"])
	assert.True(t, f.sched.Running("sch_digest"))

	f.clock.BlockUntil(1)
	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		tasks, err := f.queue.ListTasks(ctx, "acme", domain.StatusPending)
		return err == nil && len(tasks) == 1 && tasks[0].TaskType == "digest"
	}, time.Second, 5*time.Millisecond)

	resp, _ = f.do(t, http.MethodPost, "/api/schedules/sch_digest/disable", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/schedules/sch_digest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg := decode[domain.ScheduleConfig](t, body)
	assert.False(t, cfg.IsEnabled)
	assert.Equal(t, "digest", cfg.JobCode)
	assert.Equal(t, "digest", cfg.TaskType)
	assert.JSONEq(t, `{"kind":"daily"}`, string(cfg.Payload))

	resp, body = f.do(t, http.MethodGet, "/api/schedules?tenant_id=acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]domain.ScheduleConfig](t, body), 1)

	resp, _ = f.do(t, http.MethodPost, "/api/schedules/sch_missing/enable", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSchedule_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "no cadence", body: map[string]any{"tenant_id": "acme", "task_type": "digest"}},
		{name: "bad cron", body: map[string]any{"tenant_id": "acme", "task_type": "digest", "cron_expr": "every tuesday"}},
		{name: "no tenant", body: map[string]any{"task_type": "digest", "every_seconds": 10}},
		{name: "no task type", body: map[string]any{"tenant_id": "acme", "every_seconds": 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodPost, "/api/schedules", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestCreateSchedule_DisabledThenEnabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	resp, body := f.do(t, http.MethodPost, "/api/schedules", map[string]any{
		"tenant_id":     "acme",
		"every_seconds": 30,
		"task_type":     "digest",
		"enabled":       false,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := decode[map[string]string](t, body)["id"]
	assert.True(t, f.sched.Running(id))

	f.clock.BlockUntil(1)
	f.clock.Advance(30 * time.Second)
	f.clock.BlockUntil(1)
	tasks, err := f.queue.ListTasks(ctx, "acme", "")
	require.NoError(t, err)
	assert.Empty(t, tasks, "a disabled schedule enqueues nothing")

	resp, _ = f.do(t, http.MethodPost, "/api/schedules/"+id+"/enable", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	f.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		tasks, err := f.queue.ListTasks(ctx, "acme", domain.StatusPending)
		return err == nil && len(tasks) == 1 && tasks[0].TaskType == "digest"
	}, time.Second, 5*time.Millisecond)
}

func TestCreateSchedule_RepostReplacesTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	post := func(taskType string) {
		resp, body := f.do(t, http.MethodPost, "/api/schedules", map[string]any{
			"id":            "sch_nightly",
			"tenant_id":     "acme",
			"every_seconds": 60,
			"task_type":     taskType,
			"priority":      1,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	}

	post("digest")
	f.clock.BlockUntil(1)
	post("report")
	assert.True(t, f.sched.Running("sch_nightly"))

	f.clock.BlockUntil(1)
	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		cfg, err := f.sched.GetSchedule(ctx, "sch_nightly")
		return err == nil && cfg.RunCount == 1
	}, time.Second, 5*time.Millisecond)

	tasks, err := f.queue.ListTasks(ctx, "acme", "")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "report", tasks[0].TaskType)
	assert.Equal(t, 1, tasks[0].Priority)
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for range 2 {
		_, err := f.queue.Enqueue(ctx, "acme", "email", nil)
		require.NoError(t, err)
	}

	resp, body := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tenantq_up 1\n")
	assert.Contains(t, string(body), `tenantq_tasks{status="pending"} 2`)
}
