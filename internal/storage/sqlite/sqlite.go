// Package sqlite stores tasks, dead letter messages and schedules in a
// single SQLite file through modernc.org/sqlite.
//
// Timestamps are stored as unix nanoseconds so that ordering and window
// comparisons happen in SQL without format parsing. The store expects a
// database handle limited to one open connection; every multi-statement
// operation runs in a transaction on that connection.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"tenantq/internal/domain"
)

const schema = `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  task_type TEXT NOT NULL,
  payload BLOB NOT NULL,
  priority INTEGER NOT NULL DEFAULT 5,
  status TEXT NOT NULL CHECK(status IN ('pending','running','retrying','completed','failed','dead_letter','canceled')),
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  idempotency_key TEXT NOT NULL DEFAULT '',
  scheduled_for INTEGER NOT NULL,
  visible_at INTEGER NOT NULL,
  locked_until INTEGER,
  locked_by TEXT NOT NULL DEFAULT '',
  started_at INTEGER,
  completed_at INTEGER,
  error_message TEXT NOT NULL DEFAULT '',
  result BLOB,
  version INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(tenant_id, status, visible_at);
CREATE INDEX IF NOT EXISTS idx_tasks_idem ON tasks(tenant_id, idempotency_key) WHERE idempotency_key <> '';
CREATE TABLE IF NOT EXISTS dead_letter_messages (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  task_id TEXT NOT NULL DEFAULT '',
  task_type TEXT NOT NULL,
  payload BLOB NOT NULL,
  reason TEXT NOT NULL,
  error_message TEXT NOT NULL DEFAULT '',
  retry_count INTEGER NOT NULL DEFAULT 0,
  replayed INTEGER NOT NULL DEFAULT 0,
  replayed_at INTEGER,
  replay_task_id TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dlq_tenant ON dead_letter_messages(tenant_id, replayed);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  job_code TEXT NOT NULL DEFAULT '',
  job_name TEXT NOT NULL DEFAULT '',
  every_seconds INTEGER NOT NULL DEFAULT 0,
  cron_expr TEXT NOT NULL DEFAULT '',
  task_type TEXT NOT NULL DEFAULT '',
  payload BLOB,
  priority INTEGER,
  next_run_at INTEGER NOT NULL,
  last_run_at INTEGER,
  last_run_status TEXT NOT NULL DEFAULT '',
  is_enabled INTEGER NOT NULL DEFAULT 1,
  run_count INTEGER NOT NULL DEFAULT 0,
  error_count INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_tenant ON schedules(tenant_id);
`

// scheduleTargetColumns were added after the first schedules table shipped.
var scheduleTargetColumns = []struct{ name, decl string }{
	{"task_type", "TEXT NOT NULL DEFAULT ''"},
	{"payload", "BLOB"},
	{"priority", "INTEGER"},
}

// EnsureSchema creates tables if they don't exist and adds columns missing
// from databases created by older builds.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info('schedules')`)
	if err != nil {
		return fmt.Errorf("inspect schedules table: %w", err)
	}
	have := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("inspect schedules table: %w", err)
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect schedules table: %w", err)
	}

	for _, c := range scheduleTargetColumns {
		if have[c.name] {
			continue
		}
		if _, err := db.ExecContext(ctx, `ALTER TABLE schedules ADD COLUMN `+c.name+` `+c.decl); err != nil {
			return fmt.Errorf("add schedules.%s: %w", c.name, err)
		}
	}
	return nil
}

// Open opens the database file at path, creating it when missing, and
// limits the pool to the single writer SQLite allows.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store { return &Store{db: db} }

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB { return s.db }

const taskColumns = `id,tenant_id,task_type,payload,priority,status,retry_count,max_retries,idempotency_key,
scheduled_for,visible_at,locked_until,locked_by,started_at,completed_at,error_message,result,version,created_at,updated_at`

func (s *Store) CreateTask(ctx context.Context, t *domain.Task, dedupSince time.Time) (*domain.Task, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	if t.IdempotencyKey != "" {
		row := tx.QueryRowContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE tenant_id = ? AND idempotency_key = ?
  AND (status IN ('pending','running','retrying') OR (status = 'completed' AND completed_at >= ?))
ORDER BY rowid DESC
LIMIT 1`, t.TenantID, t.IdempotencyKey, nanos(dedupSince))
		existing, err := scanTask(row)
		switch {
		case err == nil:
			return existing, false, tx.Commit()
		case !errors.Is(err, sql.ErrNoRows):
			return nil, false, err
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,1,?,?)`,
		t.ID, t.TenantID, t.TaskType, []byte(t.Payload), t.Priority, string(t.Status), t.RetryCount, t.MaxRetries,
		t.IdempotencyKey, nanos(t.ScheduledFor), nanos(t.VisibleAt), nullNanos(t.LockedUntil), t.LockedBy,
		nullNanos(t.StartedAt), nullNanos(t.CompletedAt), t.ErrorMessage, nullBytes(t.Result),
		nanos(t.CreatedAt), nanos(t.UpdatedAt))
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	t.Version = 1
	out := *t
	return &out, true, nil
}

func (s *Store) ClaimTask(ctx context.Context, tenantID, workerID string, now, lockUntil time.Time) (*domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	n := nanos(now)
	row := tx.QueryRowContext(ctx, `
SELECT id, version
FROM tasks
WHERE (? = '' OR tenant_id = ?)
  AND ((status IN ('pending','retrying') AND visible_at <= ?)
    OR (status = 'running' AND (locked_until IS NULL OR locked_until <= ?)))
ORDER BY priority ASC, scheduled_for ASC, rowid ASC
LIMIT 1`, tenantID, tenantID, n, n)

	var (
		id      string
		version int64
	)
	if err := row.Scan(&id, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoTaskToClaim
		}
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
UPDATE tasks
SET status='running', locked_by=?, locked_until=?, started_at=?, updated_at=?, version=version+1
WHERE id=? AND version=?`, workerID, nanos(lockUntil), n, n, id, version)
	if err != nil {
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected != 1 {
		return nil, domain.ErrNoTaskToClaim
	}

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) UpdateTask(ctx context.Context, t *domain.Task) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks
SET payload=?, priority=?, status=?, retry_count=?, max_retries=?, scheduled_for=?, visible_at=?,
    locked_until=?, locked_by=?, started_at=?, completed_at=?, error_message=?, result=?,
    updated_at=?, version=version+1
WHERE id=? AND version=?`,
		[]byte(t.Payload), t.Priority, string(t.Status), t.RetryCount, t.MaxRetries, nanos(t.ScheduledFor),
		nanos(t.VisibleAt), nullNanos(t.LockedUntil), t.LockedBy, nullNanos(t.StartedAt),
		nullNanos(t.CompletedAt), t.ErrorMessage, nullBytes(t.Result), nanos(t.UpdatedAt),
		t.ID, t.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		t.Version++
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, t.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	return domain.ErrVersionConflict
}

func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	return t, err
}

func (s *Store) ListTasks(ctx context.Context, tenantID string, status domain.TaskStatus) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE tenant_id = ? AND (? = '' OR status = ?)
ORDER BY rowid ASC`, tenantID, string(status), string(status))
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
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

const messageColumns = `id,tenant_id,task_id,task_type,payload,reason,error_message,retry_count,
replayed,replayed_at,replay_task_id,created_at,updated_at`

func (s *Store) CreateMessage(ctx context.Context, m *domain.DeadLetterMessage) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dead_letter_messages (`+messageColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.TenantID, m.TaskID, m.TaskType, []byte(m.Payload), string(m.Reason), m.ErrorMessage,
		m.RetryCount, m.Replayed, nullNanos(m.ReplayedAt), m.ReplayTaskID, nanos(m.CreatedAt), nanos(m.UpdatedAt))
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (*domain.DeadLetterMessage, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM dead_letter_messages WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMessageNotFound
	}
	return m, err
}

func (s *Store) ListMessages(ctx context.Context, tenantID string, unreplayedOnly bool) ([]domain.DeadLetterMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+messageColumns+`
FROM dead_letter_messages
WHERE tenant_id = ? AND (? = 0 OR replayed = 0)
ORDER BY rowid ASC`, tenantID, unreplayedOnly)
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
	res, err := s.db.ExecContext(ctx, `
UPDATE dead_letter_messages
SET replayed=1, replayed_at=?, replay_task_id=?, updated_at=?
WHERE id=? AND replayed=0`, nanos(at), taskID, nanos(at), id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.GetMessage(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

const scheduleColumns = `id,tenant_id,job_code,job_name,every_seconds,cron_expr,task_type,payload,priority,
next_run_at,last_run_at,last_run_status,is_enabled,run_count,error_count,created_at,updated_at`

func (s *Store) SaveSchedule(ctx context.Context, cfg *domain.ScheduleConfig) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  tenant_id=excluded.tenant_id, job_code=excluded.job_code, job_name=excluded.job_name,
  every_seconds=excluded.every_seconds, cron_expr=excluded.cron_expr, task_type=excluded.task_type,
  payload=excluded.payload, priority=excluded.priority, next_run_at=excluded.next_run_at,
  last_run_at=excluded.last_run_at, last_run_status=excluded.last_run_status,
  is_enabled=excluded.is_enabled, run_count=excluded.run_count, error_count=excluded.error_count,
  created_at=excluded.created_at, updated_at=excluded.updated_at`,
		cfg.ID, cfg.TenantID, cfg.JobCode, cfg.JobName, cfg.EverySeconds, cfg.CronExpr,
		cfg.TaskType, nullBytes(cfg.Payload), nullInt(cfg.Priority), nanos(cfg.NextRunAt),
		nullNanos(cfg.LastRunAt), string(cfg.LastRunStatus), cfg.IsEnabled, cfg.RunCount, cfg.ErrorCount,
		nanos(cfg.CreatedAt), nanos(cfg.UpdatedAt))
	return err
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.ScheduleConfig, error) {
	cfg, err := scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrScheduleNotFound
	}
	return cfg, err
}

func (s *Store) ListSchedules(ctx context.Context, tenantID string) ([]domain.ScheduleConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+scheduleColumns+`
FROM schedules
WHERE (? = '' OR tenant_id = ?)
ORDER BY id`, tenantID, tenantID)
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
	var query string
	args := []any{string(run.Status), nanos(run.NextRunAt), nanos(run.At)}
	switch run.Status {
	case domain.RunSuccess:
		query = `UPDATE schedules SET last_run_status=?, next_run_at=?, updated_at=?, last_run_at=?, run_count=run_count+1 WHERE id=?`
		args = append(args, nanos(run.At), id)
	case domain.RunFailed:
		query = `UPDATE schedules SET last_run_status=?, next_run_at=?, updated_at=?, error_count=error_count+1 WHERE id=?`
		args = append(args, id)
	default:
		return fmt.Errorf("unknown run status %q", run.Status)
	}
	return s.execSchedule(ctx, query, args...)
}

func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool, at time.Time) error {
	return s.execSchedule(ctx, `UPDATE schedules SET is_enabled=?, updated_at=? WHERE id=?`, enabled, nanos(at), id)
}

func (s *Store) execSchedule(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var (
		t                                     domain.Task
		status                                string
		payload, result                       []byte
		scheduledFor, visibleAt, created, upd int64
		lockedUntil, startedAt, completedAt   sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.TenantID, &t.TaskType, &payload, &t.Priority, &status, &t.RetryCount, &t.MaxRetries,
		&t.IdempotencyKey, &scheduledFor, &visibleAt, &lockedUntil, &t.LockedBy, &startedAt, &completedAt,
		&t.ErrorMessage, &result, &t.Version, &created, &upd)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	t.Payload = payload
	if len(result) > 0 {
		t.Result = result
	}
	t.ScheduledFor = fromNanos(scheduledFor)
	t.VisibleAt = fromNanos(visibleAt)
	t.LockedUntil = fromNullNanos(lockedUntil)
	t.StartedAt = fromNullNanos(startedAt)
	t.CompletedAt = fromNullNanos(completedAt)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(upd)
	return &t, nil
}

func scanMessage(row scanner) (*domain.DeadLetterMessage, error) {
	var (
		m          domain.DeadLetterMessage
		reason     string
		payload    []byte
		replayedAt sql.NullInt64
		created    int64
		upd        int64
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.TaskID, &m.TaskType, &payload, &reason, &m.ErrorMessage,
		&m.RetryCount, &m.Replayed, &replayedAt, &m.ReplayTaskID, &created, &upd)
	if err != nil {
		return nil, err
	}
	m.Payload = payload
	m.Reason = domain.DeadLetterReason(reason)
	m.ReplayedAt = fromNullNanos(replayedAt)
	m.CreatedAt = fromNanos(created)
	m.UpdatedAt = fromNanos(upd)
	return &m, nil
}

func scanSchedule(row scanner) (*domain.ScheduleConfig, error) {
	var (
		c                     domain.ScheduleConfig
		status                string
		nextRun, created, upd int64
		lastRun, priority     sql.NullInt64
		payload               []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.JobCode, &c.JobName, &c.EverySeconds, &c.CronExpr,
		&c.TaskType, &payload, &priority, &nextRun,
		&lastRun, &status, &c.IsEnabled, &c.RunCount, &c.ErrorCount, &created, &upd)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		c.Payload = payload
	}
	if priority.Valid {
		p := int(priority.Int64)
		c.Priority = &p
	}
	c.LastRunStatus = domain.RunStatus(status)
	c.NextRunAt = fromNanos(nextRun)
	c.LastRunAt = fromNullNanos(lastRun)
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(upd)
	return &c, nil
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
