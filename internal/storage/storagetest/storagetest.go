// Package storagetest holds the behaviour every storage adapter must share.
// Adapter packages call Run from their own tests with a factory returning an
// empty store.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantq/internal/dlq"
	"tenantq/internal/domain"
	"tenantq/internal/queue"
	"tenantq/internal/scheduler"
)

// Store is the full surface a storage adapter provides.
type Store interface {
	queue.Store
	dlq.Store
	scheduler.Store
}

// epoch has no sub-microsecond part so every adapter round-trips it exactly.
var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run exercises newStore against the shared contract. Every subtest gets a
// fresh store; tenant ids are still randomised so adapters backed by a
// shared database do not see each other's rows.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("ClaimOrder", func(t *testing.T) { testClaimOrder(t, newStore(t)) })
	t.Run("ClaimVisibility", func(t *testing.T) { testClaimVisibility(t, newStore(t)) })
	t.Run("ClaimTenantScope", func(t *testing.T) { testClaimTenantScope(t, newStore(t)) })
	t.Run("ClaimExpiredLease", func(t *testing.T) { testClaimExpiredLease(t, newStore(t)) })
	t.Run("ConcurrentClaim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("UpdateVersionConflict", func(t *testing.T) { testUpdateVersionConflict(t, newStore(t)) })
	t.Run("IdempotencyWindow", func(t *testing.T) { testIdempotencyWindow(t, newStore(t)) })
	t.Run("ListAndCount", func(t *testing.T) { testListAndCount(t, newStore(t)) })
	t.Run("DeadLetterMessages", func(t *testing.T) { testDeadLetterMessages(t, newStore(t)) })
	t.Run("Schedules", func(t *testing.T) { testSchedules(t, newStore(t)) })
}

func tenant() string { return "tenant-" + uuid.NewString()[:8] }

func newTask(tenantID string, priority int, scheduledFor time.Time) *domain.Task {
	return &domain.Task{
		ID:           "tsk_" + uuid.NewString(),
		TenantID:     tenantID,
		TaskType:     "job",
		Payload:      json.RawMessage(`{"n":1}`),
		Priority:     priority,
		Status:       domain.StatusPending,
		MaxRetries:   3,
		ScheduledFor: scheduledFor,
		VisibleAt:    scheduledFor,
		CreatedAt:    epoch,
		UpdatedAt:    epoch,
	}
}

func create(t *testing.T, s Store, task *domain.Task) *domain.Task {
	t.Helper()
	stored, created, err := s.CreateTask(context.Background(), task, epoch.Add(-24*time.Hour))
	require.NoError(t, err)
	require.True(t, created)
	return stored
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	tn := tenant()

	task := newTask(tn, 4, epoch)
	task.IdempotencyKey = "k1"
	stored := create(t, s, task)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, int64(1), task.Version)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, tn, got.TenantID)
	assert.Equal(t, "job", got.TaskType)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))
	assert.Equal(t, 4, got.Priority)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, "k1", got.IdempotencyKey)
	assert.True(t, epoch.Equal(got.ScheduledFor))
	assert.True(t, epoch.Equal(got.VisibleAt))
	assert.Nil(t, got.LockedUntil)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Result)

	_, err = s.GetTask(ctx, "tsk_missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func testClaimOrder(t *testing.T, s Store) {
	ctx := context.Background()
	tn := tenant()

	low := create(t, s, newTask(tn, 5, epoch.Add(-3*time.Minute)))
	high := create(t, s, newTask(tn, 1, epoch))
	midLate := create(t, s, newTask(tn, 3, epoch.Add(-time.Minute)))
	midEarly := create(t, s, newTask(tn, 3, epoch.Add(-2*time.Minute)))
	midEarlyTwin := create(t, s, newTask(tn, 3, epoch.Add(-2*time.Minute)))

	want := []string{high.ID, midEarly.ID, midEarlyTwin.ID, midLate.ID, low.ID}
	for i, id := range want {
		got, err := s.ClaimTask(ctx, tn, "w1", epoch, epoch.Add(time.Minute))
		require.NoError(t, err, "claim %d", i)
		assert.Equal(t, id, got.ID, "claim %d", i)
	}

	_, err := s.ClaimTask(ctx, tn, "w1", epoch, epoch.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrNoTaskToClaim)
}

func testClaimVisibility(t *testing.T, s Store) {
	ctx := context.Background()
	tn := tenant()

	future := create(t, s, newTask(tn, 1, epoch.Add(time.Minute)))

	_, err := s.ClaimTask(ctx, tn, "w1", epoch, epoch.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrNoTaskToClaim)

	got, err := s.ClaimTask(ctx, tn, "w1", epoch.Add(time.Minute), epoch.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, future.ID, got.ID)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, "w1", got.LockedBy)
	require.NotNil(t, got.LockedUntil)
	assert.True(t, epoch.Add(2*time.Minute).Equal(*got.LockedUntil))
	require.NotNil(t, got.StartedAt)
	assert.True(t, epoch.Add(time.Minute).Equal(*got.StartedAt))
	assert.Equal(t, int64(2), got.Version)
}

func testClaimTenantScope(t *testing.T, s Store) {
	ctx := context.Background()
	a, b := tenant(), tenant()

	ta := create(t, s, newTask(a, 9, epoch))
	tb := create(t, s, newTask(b, 1, epoch))

	got, err := s.ClaimTask(ctx, a, "w1", epoch, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, ta.ID, got.ID)

	_, err = s.ClaimTask(ctx, a, "w1", epoch, epoch.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrNoTaskToClaim)

	got, err = s.ClaimTask(ctx, b, "w1", epoch, epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, tb.ID, got.ID)
}

func testClaimExpiredLease(t *testing.T, s Store) {
	ctx := context.Background()
	tn := tenant()

	task := create(t, s, newTask(tn, 1, epoch))

	first, err := s.ClaimTask(ctx, tn, "w1", epoch, epoch.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, task.ID, first.ID)

	_, err = s.ClaimTask(ctx, tn, "w2", epoch.Add(29*time.Second), epoch.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrNoTaskToClaim)

	second, err := s.ClaimTask(ctx, tn, "w2", epoch.Add(30*time.Second), epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, task.ID, second.ID)
	assert.Equal(t, "w2", second.LockedBy)
	assert.Greater(t, second.Version, first.Version)

	// The stale holder's copy no longer matches.
	first.Status = domain.StatusCompleted
	assert.ErrorIs(t, s.UpdateTask(ctx, first), domain.ErrVersionConflict)
}

func testConcurrentClaim(t *testing.T, s Store) {
	ctx := context.Background()
	tn := tenant()

	const tasks, workers = 12, 6
	for range tasks {
		create(t, s, newTask(tn, 5, epoch))
	}

	var (
		mu     sync.Mutex
		claims = make(map[string]int)
		wg     sync.WaitGroup
	)
	errs := make(chan error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker := fmt.Sprintf("w%d", i)
			for {
				got, err := s.ClaimTask(ctx, tn, worker, epoch, epoch.Add(time.Minute))
				if errors.Is(err, domain.ErrNoTaskToClaim) {
					return
				}
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				claims[got.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, claims, tasks)
	for id, n := range claims {
		assert.Equal(t, 1, n, "task %s claimed more than once", id)
	}
}

func testUpdateVersionConflict(t *testing.T, s Store) {
	ctx := context.Background()
	tn := tenant()

	task := create(t, s, newTask(tn, 1, epoch))
	stale := *task

	task.Status = domain.StatusCanceled
	task.UpdatedAt = epoch.Add(time.Second)
	require.NoError(t, s.UpdateTask(ctx, task))
	assert.Equal(t, int64(2), task.Version)

	stale.Status = domain.StatusRunning
	err := s.UpdateTask(ctx, &stale)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.Equal(t, int64(1), stale.Version)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, got.Status)

	missing := newTask(tn, 1, epoch)
	assert.ErrorIs(t, s.UpdateTask(ctx, missing), domain.ErrTaskNotFound)

	completed := create(t, s, newTask(tn, 1, epoch))
	done := epoch.Add(time.Minute)
	completed.Status = domain.StatusCompleted
	completed.CompletedAt = &done
	completed.Result = json.RawMessage(`{"ok":true}`)
	require.NoError(t, s.UpdateTask(ctx, completed))

	got, err = s.GetTask(ctx, completed.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
}

func testIdempotencyWindow(t *testing.T, s Store) {
	ctx := context.Background()
	tn := tenant()
	since := epoch.Add(-time.Hour)

	first := newTask(tn, 1, epoch)
	first.IdempotencyKey = "order-1"
	create(t, s, first)

	dupe := newTask(tn, 1, epoch)
	dupe.IdempotencyKey = "order-1"
	got, created, err := s.CreateTask(ctx, dupe, since)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, got.ID)

	other := newTask(tenant(), 1, epoch)
	other.IdempotencyKey = "order-1"
	_, created, err = s.CreateTask(ctx, other, since)
	require.NoError(t, err)
	assert.True(t, created, "keys are scoped per tenant")

	done := epoch.Add(-2 * time.Hour)
	first.Status = domain.StatusCompleted
	first.CompletedAt = &done
	require.NoError(t, s.UpdateTask(ctx, first))

	fresh := newTask(tn, 1, epoch)
	fresh.IdempotencyKey = "order-1"
	got, created, err = s.CreateTask(ctx, fresh, since)
	require.NoError(t, err)
	assert.True(t, created, "completion outside the window does not block")
	assert.Equal(t, fresh.ID, got.ID)

	fresh.Status = domain.StatusDeadLetter
	require.NoError(t, s.UpdateTask(ctx, fresh))

	again := newTask(tn, 1, epoch)
	again.IdempotencyKey = "order-1"
	_, created, err = s.CreateTask(ctx, again, since)
	require.NoError(t, err)
	assert.True(t, created, "dead-lettered task does not block")

	recent := epoch.Add(-time.Minute)
	again.Status = domain.StatusCompleted
	again.CompletedAt = &recent
	require.NoError(t, s.UpdateTask(ctx, again))

	blocked := newTask(tn, 1, epoch)
	blocked.IdempotencyKey = "order-1"
	got, created, err = s.CreateTask(ctx, blocked, since)
	require.NoError(t, err)
	assert.False(t, created, "recent completion blocks")
	assert.Equal(t, again.ID, got.ID)
}

func testListAndCount(t *testing.T, s Store) {
	ctx := context.Background()
	tn := tenant()

	a := create(t, s, newTask(tn, 9, epoch))
	b := create(t, s, newTask(tn, 1, epoch))
	create(t, s, newTask(tenant(), 1, epoch))

	b.Status = domain.StatusCanceled
	require.NoError(t, s.UpdateTask(ctx, b))

	all, err := s.ListTasks(ctx, tn, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, a.ID, all[0].ID, "creation order, not priority")
	assert.Equal(t, b.ID, all[1].ID)

	canceled, err := s.ListTasks(ctx, tn, domain.StatusCanceled)
	require.NoError(t, err)
	require.Len(t, canceled, 1)
	assert.Equal(t, b.ID, canceled[0].ID)

	counts, err := s.CountTasks(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts[domain.StatusPending], 2)
	assert.GreaterOrEqual(t, counts[domain.StatusCanceled], 1)
}

func testDeadLetterMessages(t *testing.T, s Store) {
	ctx := context.Background()
	tn := tenant()

	newMessage := func() *domain.DeadLetterMessage {
		return &domain.DeadLetterMessage{
			ID:           "dlq_" + uuid.NewString(),
			TenantID:     tn,
			TaskID:       "tsk_1",
			TaskType:     "job",
			Payload:      json.RawMessage(`{"n":1}`),
			Reason:       domain.ReasonRetriesExhausted,
			ErrorMessage: "boom",
			RetryCount:   3,
			CreatedAt:    epoch,
			UpdatedAt:    epoch,
		}
	}

	first, second := newMessage(), newMessage()
	require.NoError(t, s.CreateMessage(ctx, first))
	require.NoError(t, s.CreateMessage(ctx, second))

	got, err := s.GetMessage(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonRetriesExhausted, got.Reason)
	assert.Equal(t, "boom", got.ErrorMessage)
	assert.Equal(t, 3, got.RetryCount)
	assert.False(t, got.Replayed)
	assert.JSONEq(t, `{"n":1}`, string(got.Payload))

	at := epoch.Add(time.Minute)
	changed, err := s.MarkReplayed(ctx, first.ID, at, "tsk_2")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MarkReplayed(ctx, first.ID, at.Add(time.Minute), "tsk_3")
	require.NoError(t, err)
	assert.False(t, changed)

	got, err = s.GetMessage(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, got.Replayed)
	require.NotNil(t, got.ReplayedAt)
	assert.True(t, at.Equal(*got.ReplayedAt))
	assert.Equal(t, "tsk_2", got.ReplayTaskID)

	all, err := s.ListMessages(ctx, tn, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)

	open, err := s.ListMessages(ctx, tn, true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)

	_, err = s.GetMessage(ctx, "dlq_missing")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	_, err = s.MarkReplayed(ctx, "dlq_missing", at, "")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
}

func testSchedules(t *testing.T, s Store) {
	ctx := context.Background()
	tn := tenant()
	priority := 2

	cfg := &domain.ScheduleConfig{
		ID:           "sch_" + uuid.NewString(),
		TenantID:     tn,
		JobCode:      "report",
		JobName:      "Report",
		EverySeconds: 60,
		TaskType:     "report",
		Payload:      json.RawMessage(`{"kind":"daily"}`),
		Priority:     &priority,
		NextRunAt:    epoch.Add(time.Minute),
		IsEnabled:    true,
		CreatedAt:    epoch,
		UpdatedAt:    epoch,
	}
	require.NoError(t, s.SaveSchedule(ctx, cfg))

	cfg.JobName = "Renamed"
	require.NoError(t, s.SaveSchedule(ctx, cfg))

	got, err := s.GetSchedule(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.JobName)
	assert.Equal(t, 60, got.EverySeconds)
	assert.True(t, got.IsEnabled)
	assert.Nil(t, got.LastRunAt)
	assert.Equal(t, "report", got.TaskType)
	assert.JSONEq(t, `{"kind":"daily"}`, string(got.Payload))
	require.NotNil(t, got.Priority)
	assert.Equal(t, 2, *got.Priority)

	ranAt := epoch.Add(time.Minute)
	require.NoError(t, s.RecordRun(ctx, cfg.ID, domain.ScheduleRun{
		At: ranAt, Status: domain.RunSuccess, NextRunAt: ranAt.Add(time.Minute),
	}))
	require.NoError(t, s.RecordRun(ctx, cfg.ID, domain.ScheduleRun{
		At: ranAt.Add(time.Minute), Status: domain.RunFailed, NextRunAt: ranAt.Add(2 * time.Minute),
	}))

	got, err = s.GetSchedule(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, 1, got.ErrorCount)
	assert.Equal(t, domain.RunFailed, got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, ranAt.Equal(*got.LastRunAt), "failures keep the last success time")
	assert.True(t, ranAt.Add(2*time.Minute).Equal(got.NextRunAt))

	require.NoError(t, s.SetScheduleEnabled(ctx, cfg.ID, false, epoch))
	got, err = s.GetSchedule(ctx, cfg.ID)
	require.NoError(t, err)
	assert.False(t, got.IsEnabled)

	second := *cfg
	second.ID = cfg.ID + "-b"
	second.TaskType = ""
	second.Payload = nil
	second.Priority = nil
	require.NoError(t, s.SaveSchedule(ctx, &second))

	list, err := s.ListSchedules(ctx, tn)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, cfg.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
	assert.Empty(t, list[1].TaskType)
	assert.Nil(t, list[1].Payload)
	assert.Nil(t, list[1].Priority, "no priority means the queue default")

	_, err = s.GetSchedule(ctx, "sch_missing")
	assert.ErrorIs(t, err, domain.ErrScheduleNotFound)
	assert.ErrorIs(t, s.RecordRun(ctx, "sch_missing", domain.ScheduleRun{Status: domain.RunSuccess}), domain.ErrScheduleNotFound)
	assert.ErrorIs(t, s.SetScheduleEnabled(ctx, "sch_missing", true, epoch), domain.ErrScheduleNotFound)
}
