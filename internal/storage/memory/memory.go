// Package memory keeps tasks, dead letter messages and schedules in
// process memory. It implements the stores of the queue, dlq and scheduler
// packages and is meant for tests and single-process development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"tenantq/internal/domain"
)

type Store struct {
	mu        sync.RWMutex
	tasks     map[string]*entry
	seq       int64
	messages  map[string]*domain.DeadLetterMessage
	msgOrder  []string
	schedules map[string]*domain.ScheduleConfig
}

// entry pairs a task with its enqueue sequence, the last ordering key.
type entry struct {
	task domain.Task
	seq  int64
}

func New() *Store {
	return &Store{
		tasks:     make(map[string]*entry),
		messages:  make(map[string]*domain.DeadLetterMessage),
		schedules: make(map[string]*domain.ScheduleConfig),
	}
}

func (s *Store) CreateTask(ctx context.Context, t *domain.Task, dedupSince time.Time) (*domain.Task, bool, error) {
	if t == nil {
		return nil, false, errors.New("task cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t.IdempotencyKey != "" {
		if existing := s.blockingTask(t.TenantID, t.IdempotencyKey, dedupSince); existing != nil {
			out := cloneTask(existing.task)
			return &out, false, nil
		}
	}
	if _, exists := s.tasks[t.ID]; exists {
		return nil, false, fmt.Errorf("task with ID %s already exists", t.ID)
	}

	s.seq++
	stored := cloneTask(*t)
	stored.Version = 1
	s.tasks[t.ID] = &entry{task: stored, seq: s.seq}

	t.Version = stored.Version
	out := cloneTask(stored)
	return &out, true, nil
}

// blockingTask finds the live task holding key; the caller holds mu.
func (s *Store) blockingTask(tenantID, key string, dedupSince time.Time) *entry {
	var found *entry
	for _, e := range s.tasks {
		t := &e.task
		if t.TenantID != tenantID || t.IdempotencyKey != key {
			continue
		}
		switch t.Status {
		case domain.StatusPending, domain.StatusRunning, domain.StatusRetrying:
		case domain.StatusCompleted:
			if t.CompletedAt == nil || t.CompletedAt.Before(dedupSince) {
				continue
			}
		default:
			continue
		}
		if found == nil || e.seq > found.seq {
			found = e
		}
	}
	return found
}

func (s *Store) ClaimTask(ctx context.Context, tenantID, workerID string, now, lockUntil time.Time) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *entry
	for _, e := range s.tasks {
		if tenantID != "" && e.task.TenantID != tenantID {
			continue
		}
		if !e.task.Claimable(now) {
			continue
		}
		if best == nil || before(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, domain.ErrNoTaskToClaim
	}

	t := &best.task
	t.Status = domain.StatusRunning
	t.LockedBy = workerID
	until := lockUntil
	t.LockedUntil = &until
	started := now
	t.StartedAt = &started
	t.UpdatedAt = now
	t.Version++

	out := cloneTask(*t)
	return &out, nil
}

// before orders by priority, then scheduled time, then enqueue order.
func before(a, b *entry) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority < b.task.Priority
	}
	if !a.task.ScheduledFor.Equal(b.task.ScheduledFor) {
		return a.task.ScheduledFor.Before(b.task.ScheduledFor)
	}
	return a.seq < b.seq
}

func (s *Store) UpdateTask(ctx context.Context, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[t.ID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	if e.task.Version != t.Version {
		return domain.ErrVersionConflict
	}

	next := cloneTask(*t)
	next.Version++
	e.task = next
	t.Version = next.Version
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	out := cloneTask(e.task)
	return &out, nil
}

func (s *Store) ListTasks(ctx context.Context, tenantID string, status domain.TaskStatus) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*entry, 0)
	for _, e := range s.tasks {
		if e.task.TenantID != tenantID {
			continue
		}
		if status != "" && e.task.Status != status {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	out := make([]domain.Task, 0, len(matched))
	for _, e := range matched {
		out = append(out, cloneTask(e.task))
	}
	return out, nil
}

func (s *Store) CountTasks(ctx context.Context) (map[domain.TaskStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.TaskStatus]int)
	for _, e := range s.tasks {
		counts[e.task.Status]++
	}
	return counts, nil
}

func (s *Store) CreateMessage(ctx context.Context, m *domain.DeadLetterMessage) error {
	if m == nil {
		return errors.New("message cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[m.ID]; exists {
		return fmt.Errorf("dead letter message with ID %s already exists", m.ID)
	}
	stored := cloneMessage(*m)
	s.messages[m.ID] = &stored
	s.msgOrder = append(s.msgOrder, m.ID)
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*domain.DeadLetterMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	out := cloneMessage(*m)
	return &out, nil
}

func (s *Store) ListMessages(ctx context.Context, tenantID string, unreplayedOnly bool) ([]domain.DeadLetterMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.DeadLetterMessage, 0)
	for _, id := range s.msgOrder {
		m := s.messages[id]
		if m.TenantID != tenantID || (unreplayedOnly && m.Replayed) {
			continue
		}
		out = append(out, cloneMessage(*m))
	}
	return out, nil
}

func (s *Store) MarkReplayed(ctx context.Context, id string, at time.Time, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return false, domain.ErrMessageNotFound
	}
	if m.Replayed {
		return false, nil
	}
	m.Replayed = true
	m.ReplayedAt = &at
	m.ReplayTaskID = taskID
	m.UpdatedAt = at
	return true, nil
}

func (s *Store) SaveSchedule(ctx context.Context, cfg *domain.ScheduleConfig) error {
	if cfg == nil {
		return errors.New("schedule cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneSchedule(*cfg)
	s.schedules[cfg.ID] = &stored
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.ScheduleConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.schedules[id]
	if !ok {
		return nil, domain.ErrScheduleNotFound
	}
	out := cloneSchedule(*cfg)
	return &out, nil
}

func (s *Store) ListSchedules(ctx context.Context, tenantID string) ([]domain.ScheduleConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ScheduleConfig, 0, len(s.schedules))
	for _, cfg := range s.schedules {
		if tenantID != "" && cfg.TenantID != tenantID {
			continue
		}
		out = append(out, cloneSchedule(*cfg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RecordRun(ctx context.Context, id string, run domain.ScheduleRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.schedules[id]
	if !ok {
		return domain.ErrScheduleNotFound
	}
	switch run.Status {
	case domain.RunSuccess:
		at := run.At
		cfg.LastRunAt = &at
		cfg.RunCount++
	case domain.RunFailed:
		cfg.ErrorCount++
	default:
		return fmt.Errorf("unknown run status %q", run.Status)
	}
	cfg.LastRunStatus = run.Status
	cfg.NextRunAt = run.NextRunAt
	cfg.UpdatedAt = run.At
	return nil
}

func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.schedules[id]
	if !ok {
		return domain.ErrScheduleNotFound
	}
	cfg.IsEnabled = enabled
	cfg.UpdatedAt = at
	return nil
}

func cloneTask(t domain.Task) domain.Task {
	t.Payload = cloneBytes(t.Payload)
	t.Result = cloneBytes(t.Result)
	t.LockedUntil = cloneTime(t.LockedUntil)
	t.StartedAt = cloneTime(t.StartedAt)
	t.CompletedAt = cloneTime(t.CompletedAt)
	return t
}

func cloneMessage(m domain.DeadLetterMessage) domain.DeadLetterMessage {
	m.Payload = cloneBytes(m.Payload)
	m.ReplayedAt = cloneTime(m.ReplayedAt)
	return m
}

func cloneSchedule(c domain.ScheduleConfig) domain.ScheduleConfig {
	c.LastRunAt = cloneTime(c.LastRunAt)
	c.Payload = cloneBytes(c.Payload)
	if c.Priority != nil {
		p := *c.Priority
		c.Priority = &p
	}
	return c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
