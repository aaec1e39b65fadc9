package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"tenantq/internal/api"
	"tenantq/internal/config"
	"tenantq/internal/dlq"
	httphandler "tenantq/internal/handlers/http"
	"tenantq/internal/handlers/shell"
	"tenantq/internal/queue"
	"tenantq/internal/redislock"
	"tenantq/internal/retry"
	"tenantq/internal/scheduler"
	"tenantq/internal/storage/memory"
	"tenantq/internal/storage/postgres"
	"tenantq/internal/storage/sqlite"
	"tenantq/internal/worker"
)

// store is what every storage adapter provides.
type store interface {
	queue.Store
	dlq.Store
	scheduler.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP bind address")
	flag.StringVar(&cfg.Store, "store", cfg.Store, "store driver: memory, sqlite or postgres")
	flag.StringVar(&cfg.SQLitePath, "db", cfg.SQLitePath, "SQLite DB path")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of worker goroutines")
	flag.DurationVar(&cfg.Poll, "poll", cfg.Poll, "poll interval for queue")
	flag.StringVar(&cfg.SchedulesFile, "schedules", cfg.SchedulesFile, "YAML schedule file")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "mount pprof handlers")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(cfg.Level())
	if !cfg.LogJSON {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("tenantq stopped")
	}
	log.Info().Msg("tenantq stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	deadLetters, err := dlq.New(st)
	if err != nil {
		return err
	}
	q, err := queue.New(st,
		queue.WithDeadLetterSink(deadLetters),
		queue.WithDefaultMaxRetries(cfg.MaxRetries),
		queue.WithDedupWindow(cfg.DedupWindow),
		queue.WithRetryPolicy(retry.Exponential{Base: cfg.BackoffBase, Max: cfg.BackoffMax}),
	)
	if err != nil {
		return err
	}
	// A second DLQ handle replays through the queue it feeds.
	replayer, err := dlq.New(st, dlq.WithRequeuer(q))
	if err != nil {
		return err
	}

	schedOpts := []scheduler.Option{}
	if cfg.RedisURL != "" {
		rdb, err := redislock.Connect(ctx, cfg.RedisURL, cfg.ConnectAttempts, cfg.ConnectInterval)
		if err != nil {
			return err
		}
		defer rdb.Close()
		schedOpts = append(schedOpts, scheduler.WithLocker(redislock.New(rdb)))
		log.Info().Msg("scheduler ticks coordinated through redis")
	}
	sched, err := scheduler.New(st, schedOpts...)
	if err != nil {
		return err
	}
	defer sched.StopAll()

	if cfg.SchedulesFile != "" {
		if err := loadSchedules(ctx, cfg.SchedulesFile, sched); err != nil {
			return err
		}
	}
	started, err := sched.StartStored(ctx, q)
	if err != nil {
		return err
	}
	log.Info().Int("count", started).Msg("schedules started")

	handlers := map[string]worker.Handler{
		"http":  httphandler.New(),
		"shell": shell.New(cfg.ShellAllow...),
	}
	pool, err := worker.NewPool(q, handlers,
		worker.WithSize(cfg.Workers),
		worker.WithPollInterval(cfg.Poll),
		worker.WithLease(cfg.Lease),
		worker.WithHandlerTimeout(cfg.HandlerTimeout),
		worker.WithTenant(cfg.WorkerTenant),
	)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(q, replayer, sched, api.WithDebug(cfg.Debug)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config) (store, func(), error) {
	switch cfg.Store {
	case config.DriverMemory:
		log.Warn().Msg("using in-memory store, tasks are lost on exit")
		return memory.New(), func() {}, nil

	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN, postgres.ConnectOptions{
			MaxConns:      cfg.PostgresMaxConns,
			RetryAttempts: cfg.ConnectAttempts,
			RetryInterval: cfg.ConnectInterval,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, pool, log.Logger); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return postgres.New(pool), pool.Close, nil

	default:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := sqlite.EnsureSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("sqlite store ready")
		return sqlite.New(db), func() { _ = db.Close() }, nil
	}
}

// loadSchedules registers every schedule in the file. Starting them is left
// to StartStored, which also restores schedules created over the API.
func loadSchedules(ctx context.Context, path string, sched *scheduler.Scheduler) error {
	entries, err := config.LoadSchedules(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		cfg, err := e.Schedule()
		if err != nil {
			return err
		}
		if _, err := sched.RegisterSchedule(ctx, cfg); err != nil {
			return err
		}
	}
	log.Info().Int("count", len(entries)).Str("path", path).Msg("schedules loaded")
	return nil
}
