package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"tenantq/internal/domain"
)

var (
	ErrScheduleTenant   = errors.New("schedule needs tenant_id")
	ErrScheduleTaskType = errors.New("schedule needs task_type")
)

// ScheduleEntry is one schedule from the schedule file. Every tick enqueues
// a TaskType task with Payload.
type ScheduleEntry struct {
	ID           string `yaml:"id"`
	TenantID     string `yaml:"tenant_id"`
	JobCode      string `yaml:"job_code"`
	JobName      string `yaml:"job_name"`
	EverySeconds int    `yaml:"every_seconds"`
	CronExpr     string `yaml:"cron_expr"`
	Enabled      *bool  `yaml:"enabled"`

	TaskType string `yaml:"task_type"`
	Payload  any    `yaml:"payload"`
	Priority *int   `yaml:"priority"`
}

type scheduleFile struct {
	Schedules []ScheduleEntry `yaml:"schedules"`
}

// Schedule converts the entry to a schedule config carrying its task
// target. Entries are enabled unless they say otherwise, and the job code
// defaults to the task type.
func (e ScheduleEntry) Schedule() (domain.ScheduleConfig, error) {
	cfg := domain.ScheduleConfig{
		ID:           e.ID,
		TenantID:     e.TenantID,
		JobCode:      e.JobCode,
		JobName:      e.JobName,
		EverySeconds: e.EverySeconds,
		CronExpr:     e.CronExpr,
		IsEnabled:    e.Enabled == nil || *e.Enabled,
		TaskType:     e.TaskType,
		Priority:     e.Priority,
	}
	if cfg.JobCode == "" {
		cfg.JobCode = e.TaskType
	}
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return domain.ScheduleConfig{}, fmt.Errorf("schedule %s payload: %w", e.ID, err)
		}
		cfg.Payload = b
	}
	return cfg, nil
}

func LoadSchedules(path string) ([]ScheduleEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schedule file: %w", err)
	}
	defer f.Close()
	return ParseSchedules(f)
}

// ParseSchedules decodes a schedule document. Unknown keys are rejected.
func ParseSchedules(r io.Reader) ([]ScheduleEntry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc scheduleFile
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode schedule file: %w", err)
	}

	for i, e := range doc.Schedules {
		if e.TenantID == "" {
			return nil, fmt.Errorf("schedule %d: %w", i, ErrScheduleTenant)
		}
		if e.TaskType == "" {
			return nil, fmt.Errorf("schedule %d: %w", i, ErrScheduleTaskType)
		}
	}
	return doc.Schedules, nil
}
