// Package kv provides a thin fail-open adapter over a remote key-value
// store (Redis). Losing the store must degrade to "no rate limiting, no
// caching" rather than "no service": reads report absent, writes are
// swallowed, and Incr returns the IncrFailed sentinel so callers can
// fail open.
package kv

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// IncrFailed is returned by Incr when the store is unreachable. Callers
// treat it as "count unknown, admit the request".
const IncrFailed int64 = -1

// opTimeout bounds every store round-trip so a slow Redis cannot stall
// the request path.
const opTimeout = 200 * time.Millisecond

// Store is the capability set the core needs from the key-value store.
// Implementations must be safe for concurrent use and must never return
// transport errors from reads or writes; Delete is the one exception
// because invalidation callers want to log failures.
type Store interface {
	// Get returns the value for key, or ok=false if absent or unreachable.
	Get(ctx context.Context, key string) (value []byte, ok bool)

	// Set writes value under key with the given TTL. Failures are swallowed.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)

	// Delete removes key. The returned error is informational only;
	// callers log it and proceed.
	Delete(ctx context.Context, key string) error

	// Incr atomically increments the integer at key, creating it at 1.
	// Returns IncrFailed when the store is unreachable.
	Incr(ctx context.Context, key string) int64

	// Expire sets the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration)

	// GetInt returns the integer value at key, or ok=false if absent,
	// non-numeric, or unreachable.
	GetInt(ctx context.Context, key string) (value int64, ok bool)

	// ZAdd adds member with score to the sorted set at key.
	ZAdd(ctx context.Context, key string, score float64, member string)

	// ZRangeByScore returns members of the sorted set at key with
	// min <= score <= max, or nil if absent or unreachable.
	ZRangeByScore(ctx context.Context, key string, min, max float64) []string

	// ZRemRangeByScore removes members of the sorted set at key with
	// min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64)
}

// Health reports adapter liveness for the monitoring surface.
type Health interface {
	// Healthy is true after the most recent operation succeeded.
	Healthy() bool

	// ConsecutiveFailures counts operations failed since the last success.
	ConsecutiveFailures() int64
}

// Redis implements Store against a go-redis client.
type Redis struct {
	client *redis.Client
	logger *slog.Logger

	healthy     atomic.Bool
	consecFails atomic.Int64
	unhealthyAt atomic.Int64 // unix nanos of the healthy-to-unhealthy flip, 0 while healthy
}

// NewRedis wraps client in a fail-open adapter.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	r := &Redis{client: client, logger: logger}
	r.healthy.Store(true)
	return r
}

// Healthy reports whether the last operation against the store succeeded.
func (r *Redis) Healthy() bool { return r.healthy.Load() }

// ConsecutiveFailures returns the number of operations failed since the
// last successful one.
func (r *Redis) ConsecutiveFailures() int64 { return r.consecFails.Load() }

// UnhealthySince returns the time of the healthy→unhealthy transition,
// or the zero time while healthy.
func (r *Redis) UnhealthySince() time.Time {
	ns := r.unhealthyAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (r *Redis) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

func (r *Redis) noteFailure(op, key string, err error) {
	n := r.consecFails.Add(1)
	if r.healthy.CompareAndSwap(true, false) {
		r.unhealthyAt.Store(time.Now().UnixNano())
		r.logger.Warn("kv: store unhealthy", "op", op, "key", key, "error", err)
	} else if n%100 == 1 {
		// Keep logging at a trickle while the outage lasts.
		r.logger.Warn("kv: store still unhealthy", "op", op, "consecutive_failures", n, "error", err)
	}
}

func (r *Redis) noteSuccess() {
	r.consecFails.Store(0)
	if r.healthy.CompareAndSwap(false, true) {
		r.unhealthyAt.Store(0)
		r.logger.Info("kv: store healthy again")
	}
}

// Get returns the value at key, or ok=false on absence or store failure.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		r.noteSuccess()
		return nil, false
	}
	if err != nil {
		r.noteFailure("get", key, err)
		return nil, false
	}
	r.noteSuccess()
	return val, true
}

// Set writes value with ttl. Failures are swallowed.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.noteFailure("set", key, err)
		return
	}
	r.noteSuccess()
}

// Delete removes key. The error is returned so invalidation callers can
// log it; it must not be propagated further.
func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.noteFailure("delete", key, err)
		return err
	}
	r.noteSuccess()
	return nil
}

// Incr atomically increments key, returning IncrFailed on store failure.
func (r *Redis) Incr(ctx context.Context, key string) int64 {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		r.noteFailure("incr", key, err)
		return IncrFailed
	}
	r.noteSuccess()
	return n
}

// Expire sets the TTL on key. Failures are swallowed.
func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		r.noteFailure("expire", key, err)
		return
	}
	r.noteSuccess()
}

// GetInt returns the integer at key, or ok=false on absence, a
// non-numeric value, or store failure.
func (r *Redis) GetInt(ctx context.Context, key string) (int64, bool) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	n, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		r.noteSuccess()
		return 0, false
	}
	if err != nil {
		// A non-numeric value parses as an error from Int64 but the store
		// itself answered; only transport errors flip the health flag.
		if _, strErr := r.client.Get(ctx, key).Result(); strErr == nil {
			r.noteSuccess()
			return 0, false
		}
		r.noteFailure("get_int", key, err)
		return 0, false
	}
	r.noteSuccess()
	return n, true
}

// ZAdd adds member with score to the sorted set at key.
func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		r.noteFailure("zadd", key, err)
		return
	}
	r.noteSuccess()
}

// ZRangeByScore returns sorted-set members with min <= score <= max.
func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64) []string {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	members, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		r.noteFailure("zrangebyscore", key, err)
		return nil
	}
	r.noteSuccess()
	return members
}

// ZRemRangeByScore removes sorted-set members with min <= score <= max.
func (r *Redis) ZRemRangeByScore(ctx context.Context, key string, min, max float64) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if err := r.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err(); err != nil {
		r.noteFailure("zremrangebyscore", key, err)
		return
	}
	r.noteSuccess()
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
