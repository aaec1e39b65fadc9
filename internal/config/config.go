// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

const envPrefix = "TENANTQ_"

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	ErrUnknownDriver       = errors.New("unknown store driver")
	ErrPostgresDSNRequired = errors.New("postgres driver needs TENANTQ_POSTGRES_DSN")
	ErrInvalidWorkers      = errors.New("workers must be positive")
	ErrInvalidLease        = errors.New("lease must be positive")
)

type Config struct {
	Addr  string `env:"ADDR" envDefault:":8080"`
	Debug bool   `env:"DEBUG"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"LOG_JSON"`

	Store            string        `env:"STORE" envDefault:"sqlite"`
	SQLitePath       string        `env:"SQLITE_PATH" envDefault:"tenantq.db"`
	PostgresDSN      string        `env:"POSTGRES_DSN"`
	PostgresMaxConns int32         `env:"POSTGRES_MAX_CONNS" envDefault:"10"`
	RedisURL         string        `env:"REDIS_URL"`
	ConnectAttempts  uint64        `env:"CONNECT_ATTEMPTS" envDefault:"5"`
	ConnectInterval  time.Duration `env:"CONNECT_INTERVAL" envDefault:"1s"`

	Workers        int           `env:"WORKERS" envDefault:"8"`
	WorkerTenant   string        `env:"WORKER_TENANT"`
	Poll           time.Duration `env:"POLL" envDefault:"250ms"`
	Lease          time.Duration `env:"LEASE" envDefault:"1m"`
	HandlerTimeout time.Duration `env:"HANDLER_TIMEOUT"`

	MaxRetries  int           `env:"MAX_RETRIES" envDefault:"3"`
	DedupWindow time.Duration `env:"DEDUP_WINDOW" envDefault:"24h"`
	BackoffBase time.Duration `env:"BACKOFF_BASE" envDefault:"1s"`
	BackoffMax  time.Duration `env:"BACKOFF_MAX" envDefault:"10m"`

	SchedulesFile string   `env:"SCHEDULES_FILE"`
	ShellAllow    []string `env:"SHELL_ALLOW" envSeparator:","`
}

// Load reads TENANTQ_* variables from the process environment.
func Load() (Config, error) {
	return LoadFrom(env.ToMap(os.Environ()))
}

// LoadFrom reads settings from environ instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Prefix: envPrefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return c, nil
}

func (c Config) Validate() error {
	if !slices.Contains([]string{DriverMemory, DriverSQLite, DriverPostgres}, c.Store) {
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Store)
	}
	if c.Store == DriverPostgres && c.PostgresDSN == "" {
		return ErrPostgresDSNRequired
	}
	if c.Workers < 1 {
		return ErrInvalidWorkers
	}
	if c.Lease <= 0 {
		return ErrInvalidLease
	}
	return nil
}

// Level parses LogLevel, falling back to info.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
