// Package postgres stores tasks, dead letter messages and schedules in
// PostgreSQL through a pgx pool, for deployments where several processes
// share one queue.
//
// Claims use FOR UPDATE SKIP LOCKED so concurrent workers never wait on each
// other's rows, and idempotent inserts serialize per tenant and key on a
// transaction-scoped advisory lock.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tenantq/internal/domain"
)

type Store struct{ pool *pgxpool.Pool }

func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const taskColumns = `id, tenant_id, task_type, payload, priority, status, retry_count, max_retries, idempotency_key,
scheduled_for, visible_at, locked_until, locked_by, started_at, completed_at, error_message, result, version,
created_at, updated_at`

func (s *Store) CreateTask(ctx context.Context, t *domain.Task, dedupSince time.Time) (*domain.Task, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if t.IdempotencyKey != "" {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
			t.TenantID+"\x00"+t.IdempotencyKey); err != nil {
			return nil, false, err
		}

		existing, err := scanTask(tx.QueryRow(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE tenant_id = $1 AND idempotency_key = $2
  AND (status IN ('pending','running','retrying') OR (status = 'completed' AND completed_at >= $3))
ORDER BY seq DESC
LIMIT 1`, t.TenantID, t.IdempotencyKey, dedupSince))
		switch {
		case err == nil:
			return existing, false, tx.Commit(ctx)
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, false, err
		}
	}

	_, err = tx.Exec(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,1,$18,$19)`,
		t.ID, t.TenantID, t.TaskType, []byte(t.Payload), t.Priority, string(t.Status), t.RetryCount, t.MaxRetries,
		t.IdempotencyKey, t.ScheduledFor, t.VisibleAt, t.LockedUntil, t.LockedBy, t.StartedAt, t.CompletedAt,
		t.ErrorMessage, nullBytes(t.Result), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	t.Version = 1
	out := *t
	return &out, true, nil
}

func (s *Store) ClaimTask(ctx context.Context, tenantID, workerID string, now, lockUntil time.Time) (*domain.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
UPDATE tasks
SET status = 'running', locked_by = $3, locked_until = $4, started_at = $2, updated_at = $2, version = version + 1
WHERE id = (
    SELECT id
    FROM tasks
    WHERE ($1::text = '' OR tenant_id = $1)
      AND ((status IN ('pending','retrying') AND visible_at <= $2)
        OR (status = 'running' AND (locked_until IS NULL OR locked_until <= $2)))
    ORDER BY priority ASC, scheduled_for ASC, seq ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING `+taskColumns, tenantID, now, workerID, lockUntil))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNoTaskToClaim
	}
	return t, err
}

func (s *Store) UpdateTask(ctx context.Context, t *domain.Task) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE tasks
SET payload = $3, priority = $4, status = $5, retry_count = $6, max_retries = $7, scheduled_for = $8,
    visible_at = $9, locked_until = $10, locked_by = $11, started_at = $12, completed_at = $13,
    error_message = $14, result = $15, updated_at = $16, version = version + 1
WHERE id = $1 AND version = $2`,
		t.ID, t.Version, []byte(t.Payload), t.Priority, string(t.Status), t.RetryCount, t.MaxRetries,
		t.ScheduledFor, t.VisibleAt, t.LockedUntil, t.LockedBy, t.StartedAt, t.CompletedAt,
		t.ErrorMessage, nullBytes(t.Result), t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		t.Version++
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrTaskNotFound
	}
	return domain.ErrVersionConflict
}

func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	return t, err
}

func (s *Store) ListTasks(ctx context.Context, tenantID string, status domain.TaskStatus) ([]domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE tenant_id = $1 AND ($2::text = '' OR status = $2)
ORDER BY seq ASC`, tenantID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) CountTasks(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = int(n)
	}
	return counts, rows.Err()
}

const messageColumns = `id, tenant_id, task_id, task_type, payload, reason, error_message, retry_count,
replayed, replayed_at, replay_task_id, created_at, updated_at`

func (s *Store) CreateMessage(ctx context.Context, m *domain.DeadLetterMessage) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO dead_letter_messages (`+messageColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		m.ID, m.TenantID, m.TaskID, m.TaskType, []byte(m.Payload), string(m.Reason), m.ErrorMessage,
		m.RetryCount, m.Replayed, m.ReplayedAt, m.ReplayTaskID, m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (*domain.DeadLetterMessage, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM dead_letter_messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	return m, err
}

func (s *Store) ListMessages(ctx context.Context, tenantID string, unreplayedOnly bool) ([]domain.DeadLetterMessage, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+messageColumns+`
FROM dead_letter_messages
WHERE tenant_id = $1 AND (NOT $2::boolean OR NOT replayed)
ORDER BY seq ASC`, tenantID, unreplayedOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]domain.DeadLetterMessage, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (s *Store) MarkReplayed(ctx context.Context, id string, at time.Time, taskID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE dead_letter_messages
SET replayed = TRUE, replayed_at = $2, replay_task_id = $3, updated_at = $2
WHERE id = $1 AND NOT replayed`, id, at, taskID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetMessage(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

const scheduleColumns = `id, tenant_id, job_code, job_name, every_seconds, cron_expr, task_type, payload, priority,
next_run_at, last_run_at, last_run_status, is_enabled, run_count, error_count, created_at, updated_at`

func (s *Store) SaveSchedule(ctx context.Context, cfg *domain.ScheduleConfig) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (id) DO UPDATE SET
    tenant_id = EXCLUDED.tenant_id, job_code = EXCLUDED.job_code, job_name = EXCLUDED.job_name,
    every_seconds = EXCLUDED.every_seconds, cron_expr = EXCLUDED.cron_expr, task_type = EXCLUDED.task_type,
    payload = EXCLUDED.payload, priority = EXCLUDED.priority, next_run_at = EXCLUDED.next_run_at,
    last_run_at = EXCLUDED.last_run_at, last_run_status = EXCLUDED.last_run_status,
    is_enabled = EXCLUDED.is_enabled, run_count = EXCLUDED.run_count, error_count = EXCLUDED.error_count,
    created_at = EXCLUDED.created_at, updated_at = EXCLUDED.updated_at`,
		cfg.ID, cfg.TenantID, cfg.JobCode, cfg.JobName, cfg.EverySeconds, cfg.CronExpr,
		cfg.TaskType, nullBytes(cfg.Payload), cfg.Priority, cfg.NextRunAt,
		cfg.LastRunAt, string(cfg.LastRunStatus), cfg.IsEnabled, cfg.RunCount, cfg.ErrorCount,
		cfg.CreatedAt, cfg.UpdatedAt)
	return err
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.ScheduleConfig, error) {
	cfg, err := scanSchedule(s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrScheduleNotFound
	}
	return cfg, err
}

func (s *Store) ListSchedules(ctx context.Context, tenantID string) ([]domain.ScheduleConfig, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+scheduleColumns+`
FROM schedules
WHERE ($1::text = '' OR tenant_id = $1)
ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ScheduleConfig, 0)
	for rows.Next() {
		cfg, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

func (s *Store) RecordRun(ctx context.Context, id string, run domain.ScheduleRun) error {
	switch run.Status {
	case domain.RunSuccess:
		return s.execSchedule(ctx, `
UPDATE schedules
SET last_run_status = $2, next_run_at = $3, updated_at = $4, last_run_at = $4, run_count = run_count + 1
WHERE id = $1`, id, string(run.Status), run.NextRunAt, run.At)
	case domain.RunFailed:
		return s.execSchedule(ctx, `
UPDATE schedules
SET last_run_status = $2, next_run_at = $3, updated_at = $4, error_count = error_count + 1
WHERE id = $1`, id, string(run.Status), run.NextRunAt, run.At)
	}
	return fmt.Errorf("unknown run status %q", run.Status)
}

func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool, at time.Time) error {
	return s.execSchedule(ctx, `UPDATE schedules SET is_enabled = $2, updated_at = $3 WHERE id = $1`, id, enabled, at)
}

func (s *Store) execSchedule(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		t       domain.Task
		status  string
		payload []byte
		result  []byte
	)
	err := row.Scan(&t.ID, &t.TenantID, &t.TaskType, &payload, &t.Priority, &status, &t.RetryCount, &t.MaxRetries,
		&t.IdempotencyKey, &t.ScheduledFor, &t.VisibleAt, &t.LockedUntil, &t.LockedBy, &t.StartedAt,
		&t.CompletedAt, &t.ErrorMessage, &result, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	t.Payload = payload
	if len(result) > 0 {
		t.Result = result
	}
	t.ScheduledFor = t.ScheduledFor.UTC()
	t.VisibleAt = t.VisibleAt.UTC()
	t.LockedUntil = utcPtr(t.LockedUntil)
	t.StartedAt = utcPtr(t.StartedAt)
	t.CompletedAt = utcPtr(t.CompletedAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func scanMessage(row pgx.Row) (*domain.DeadLetterMessage, error) {
	var (
		m       domain.DeadLetterMessage
		reason  string
		payload []byte
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.TaskID, &m.TaskType, &payload, &reason, &m.ErrorMessage,
		&m.RetryCount, &m.Replayed, &m.ReplayedAt, &m.ReplayTaskID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Payload = payload
	m.Reason = domain.DeadLetterReason(reason)
	m.ReplayedAt = utcPtr(m.ReplayedAt)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func scanSchedule(row pgx.Row) (*domain.ScheduleConfig, error) {
	var (
		c        domain.ScheduleConfig
		status   string
		payload  []byte
		priority *int32
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.JobCode, &c.JobName, &c.EverySeconds, &c.CronExpr,
		&c.TaskType, &payload, &priority, &c.NextRunAt,
		&c.LastRunAt, &status, &c.IsEnabled, &c.RunCount, &c.ErrorCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		c.Payload = payload
	}
	if priority != nil {
		p := int(*priority)
		c.Priority = &p
	}
	c.LastRunStatus = domain.RunStatus(status)
	c.NextRunAt = c.NextRunAt.UTC()
	c.LastRunAt = utcPtr(c.LastRunAt)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
