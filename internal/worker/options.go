package worker

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type Option func(*Pool)

// WithSize bounds how many tasks run at once.
func WithSize(n int) Option {
	return func(p *Pool) { p.size = n }
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollEvery = d
		}
	}
}

// WithLease sets the lease taken on every dequeue. The heartbeat renews it
// at half this length.
func WithLease(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.lease = d
		}
	}
}

// WithHandlerTimeout caps a single handler run. Zero means no cap.
func WithHandlerTimeout(d time.Duration) Option {
	return func(p *Pool) { p.timeout = d }
}

// WithTenant restricts the pool to one tenant's tasks.
func WithTenant(id string) Option {
	return func(p *Pool) { p.tenantID = id }
}

func WithWorkerID(id string) Option {
	return func(p *Pool) {
		if id != "" {
			p.id = id
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(p *Pool) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.log = l }
}
