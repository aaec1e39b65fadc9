// Package redislock keeps replicas that share a store from running the same
// schedule tick twice.
package redislock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

var (
	ErrParseURL   = errors.New("failed to parse redis connection url")
	ErrNotReady   = errors.New("redis is not ready")
	ErrInvalidTTL = errors.New("lock ttl must be positive")
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Connect parses url and pings the server, retrying with exponential backoff.
func Connect(ctx context.Context, url string, attempts uint64, interval time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrParseURL, err)
	}
	if interval <= 0 {
		interval = time.Second
	}

	client := redis.NewClient(opts)
	err = retry.Do(ctx, retry.WithMaxRetries(attempts, retry.NewExponential(interval)), func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrNotReady, err)
	}
	return client, nil
}

// Locker takes short-lived exclusive keys. Each Locker carries its own
// token, so Release never drops a key another instance holds.
type Locker struct {
	rdb   redis.UniversalClient
	token string
}

func New(rdb redis.UniversalClient) *Locker {
	return &Locker{rdb: rdb, token: uuid.NewString()}
}

// TryLock sets key with SET NX PX and reports whether this instance got it.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	return l.rdb.SetNX(ctx, key, l.token, ttl).Result()
}

// Release drops key if this instance still holds it and reports whether it did.
func (l *Locker) Release(ctx context.Context, key string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{key}, l.token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
