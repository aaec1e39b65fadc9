package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantq/internal/config"
)

func TestLoadFrom_Defaults(t *testing.T) {
	t.Parallel()

	c, err := config.LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.Addr)
	assert.Equal(t, config.DriverSQLite, c.Store)
	assert.Equal(t, "tenantq.db", c.SQLitePath)
	assert.Equal(t, 8, c.Workers)
	assert.Equal(t, 250*time.Millisecond, c.Poll)
	assert.Equal(t, time.Minute, c.Lease)
	assert.Equal(t, 3, c.MaxRetries)
	assert.Equal(t, 24*time.Hour, c.DedupWindow)
	assert.Equal(t, time.Second, c.BackoffBase)
	assert.Equal(t, 10*time.Minute, c.BackoffMax)
	assert.Equal(t, uint64(5), c.ConnectAttempts)
	assert.NoError(t, c.Validate())
}

func TestLoadFrom_Overrides(t *testing.T) {
	t.Parallel()

	c, err := config.LoadFrom(map[string]string{
		"TENANTQ_STORE":        "postgres",
		"TENANTQ_POSTGRES_DSN": "postgres://localhost/tenantq",
		"TENANTQ_WORKERS":      "2",
		"TENANTQ_LEASE":        "30s",
		"TENANTQ_SHELL_ALLOW":  "echo,date",
		"TENANTQ_LOG_LEVEL":    "debug",
		"WORKERS":              "99",
	})
	require.NoError(t, err)

	assert.Equal(t, config.DriverPostgres, c.Store)
	assert.Equal(t, "postgres://localhost/tenantq", c.PostgresDSN)
	assert.Equal(t, 2, c.Workers, "unprefixed variables are ignored")
	assert.Equal(t, 30*time.Second, c.Lease)
	assert.Equal(t, []string{"echo", "date"}, c.ShellAllow)
	assert.Equal(t, zerolog.DebugLevel, c.Level())
	assert.NoError(t, c.Validate())
}

func TestLoadFrom_InvalidValue(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFrom(map[string]string{"TENANTQ_POLL": "soon"})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := config.LoadFrom(map[string]string{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   error
	}{
		{name: "unknown driver", mutate: func(c *config.Config) { c.Store = "mysql" }, want: config.ErrUnknownDriver},
		{name: "postgres without dsn", mutate: func(c *config.Config) { c.Store = config.DriverPostgres }, want: config.ErrPostgresDSNRequired},
		{name: "no workers", mutate: func(c *config.Config) { c.Workers = 0 }, want: config.ErrInvalidWorkers},
		{name: "zero lease", mutate: func(c *config.Config) { c.Lease = 0 }, want: config.ErrInvalidLease},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate(), tt.want)
		})
	}
}

func TestLevel_Fallback(t *testing.T) {
	t.Parallel()

	assert.Equal(t, zerolog.InfoLevel, config.Config{LogLevel: "loud"}.Level())
	assert.Equal(t, zerolog.InfoLevel, config.Config{}.Level())
	assert.Equal(t, zerolog.WarnLevel, config.Config{LogLevel: "warn"}.Level())
}

const scheduleDoc = `
schedules:
  - id: sch_digest
    tenant_id: acme
    job_name: Daily digest
    cron_expr: "0 6 * * *"
    task_type: digest
    payload:
      kind: daily
      recipients: [ops@acme.test]
    priority: 2
  - tenant_id: globex
    every_seconds: 300
    enabled: false
    task_type: http
    job_code: ping
`

func TestParseSchedules(t *testing.T) {
	t.Parallel()

	entries, err := config.ParseSchedules(strings.NewReader(scheduleDoc))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	digest, err := entries[0].Schedule()
	require.NoError(t, err)
	assert.Equal(t, "sch_digest", digest.ID)
	assert.Equal(t, "digest", digest.JobCode)
	assert.Equal(t, "0 6 * * *", digest.CronExpr)
	assert.True(t, digest.IsEnabled)
	require.NotNil(t, entries[0].Priority)
	assert.Equal(t, 2, *entries[0].Priority)
	assert.Equal(t, map[string]any{"kind": "daily", "recipients": []any{"ops@acme.test"}}, entries[0].Payload)
	assert.Equal(t, "digest", digest.TaskType)
	assert.JSONEq(t, `{"kind":"daily","recipients":["ops@acme.test"]}`, string(digest.Payload))
	require.NotNil(t, digest.Priority)
	assert.Equal(t, 2, *digest.Priority)

	ping, err := entries[1].Schedule()
	require.NoError(t, err)
	assert.Equal(t, "ping", ping.JobCode)
	assert.Equal(t, 300, ping.EverySeconds)
	assert.False(t, ping.IsEnabled)
	assert.Nil(t, entries[1].Priority)
	assert.Equal(t, "http", ping.TaskType)
	assert.Nil(t, ping.Payload)
}

func TestParseSchedules_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		want error
	}{
		{name: "missing tenant", doc: "schedules:\n  - task_type: digest\n    every_seconds: 10\n", want: config.ErrScheduleTenant},
		{name: "missing task type", doc: "schedules:\n  - tenant_id: acme\n    every_seconds: 10\n", want: config.ErrScheduleTaskType},
		{name: "unknown key", doc: "schedules:\n  - tenant_id: acme\n    task_type: x\n    every: 10\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.ParseSchedules(strings.NewReader(tt.doc))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestParseSchedules_Empty(t *testing.T) {
	t.Parallel()

	entries, err := config.ParseSchedules(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadSchedules(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "schedules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scheduleDoc), 0o600))

	entries, err := config.LoadSchedules(path)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = config.LoadSchedules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
