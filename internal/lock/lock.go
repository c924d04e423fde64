// Package lock implements Redis-backed mutual exclusion with a fence value
// and atomic release (spec §4.8). Grounded on the reference control-plane's
// AcquireLock/RenewLock/ReleaseLock trio (control_plane/store/redis.go):
// SET NX EX for acquisition, a Lua compare-and-delete for release. Unlike the
// reference's LeaderElector, locks here are not renewed — they are held only
// for the duration of one short tick (spec §4.8 state machine: Unowned ->
// Owned -> Unowned via release or expiration, no renewals).
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/itskum47/worldgate/internal/observability"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Locker is a distributed mutual-exclusion primitive over Redis.
type Locker struct {
	client *redis.Client
}

func New(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Handle represents a held lock; release it via Release.
type Handle struct {
	Key   string
	Value string
}

// Acquire attempts a "set if absent with expiry". On success it returns a
// Handle carrying a unique holder value; ok is false if another holder
// already owns the key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, bool, error) {
	value := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		observability.LockAcquireFailures.WithLabelValues(key).Inc()
		return nil, false, nil
	}
	return &Handle{Key: key, Value: value}, true, nil
}

// AcquireWithRetry retries Acquire up to maxRetries times, sleeping delay
// between attempts.
func (l *Locker) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, delay time.Duration) (*Handle, bool, error) {
	for attempt := 0; ; attempt++ {
		h, ok, err := l.Acquire(ctx, key, ttl)
		if err != nil || ok {
			return h, ok, err
		}
		if attempt >= maxRetries {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Release deletes the lock only if it is still held by this Handle's value.
func (l *Locker) Release(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	return l.client.Eval(ctx, releaseScript, []string{h.Key}, h.Value).Err()
}

// WithLock scopes fn to a held lock, guaranteeing release on every exit path.
// Returns false without calling fn if the lock could not be acquired.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	h, ok, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Release(releaseCtx, h)
	}()
	return true, fn(ctx)
}

// Owner returns the current holder value for key, or "" if unheld.
func (l *Locker) Owner(ctx context.Context, key string) (string, error) {
	val, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}
