// Package semaphore implements a leased counting semaphore on a Redis sorted
// set. Each member is a holder id scored by its lease expiry in unix
// milliseconds; every mutation runs as one Lua script so that purge, count
// and insert cannot interleave with another caller.
package semaphore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local holder = ARGV[1]
local max = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now)

if redis.call('ZSCORE', key, holder) then
	redis.call('ZADD', key, now + ttl, holder)
	if redis.call('PTTL', key) < ttl then
		redis.call('PEXPIRE', key, ttl)
	end
	return 1
end

if redis.call('ZCARD', key) < max then
	redis.call('ZADD', key, now + ttl, holder)
	if redis.call('PTTL', key) < ttl then
		redis.call('PEXPIRE', key, ttl)
	end
	return 1
end

return 0
`)

var countScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
return redis.call('ZCARD', KEYS[1])
`)

var extendScript = redis.NewScript(`
local key = KEYS[1]
local holder = ARGV[1]
local ttl = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now)

if not redis.call('ZSCORE', key, holder) then
	return 0
end

redis.call('ZADD', key, 'XX', now + ttl, holder)
if redis.call('PTTL', key) < ttl then
	redis.call('PEXPIRE', key, ttl)
end
return 1
`)

type Semaphore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
	logger zerolog.Logger
}

func New(client redis.UniversalClient, prefix string, logger zerolog.Logger) *Semaphore {
	if prefix == "" {
		prefix = "semaphore"
	}
	return &Semaphore{
		client: client,
		prefix: prefix,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the time source used for lease expiry.
func (s *Semaphore) WithClock(now func() time.Time) *Semaphore {
	s.now = now
	return s
}

func (s *Semaphore) key(resourceKey string) string {
	return s.prefix + ":" + resourceKey
}

// Acquire grants holder a lease on resourceKey when fewer than max unexpired
// leases exist. Re-acquiring with a holder that already owns a lease refreshes
// it without taking a second seat.
func (s *Semaphore) Acquire(ctx context.Context, resourceKey, holder string, max int, ttl time.Duration) (bool, error) {
	if max <= 0 {
		return false, nil
	}
	res, err := acquireScript.Run(ctx, s.client,
		[]string{s.key(resourceKey)},
		holder, max, ttl.Milliseconds(), s.now().UnixMilli(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("semaphore acquire %s: %w", resourceKey, err)
	}

	acquired := res == 1
	s.logger.Debug().
		Str("resource_key", resourceKey).
		Str("holder", holder).
		Int("max", max).
		Bool("acquired", acquired).
		Msg("Semaphore acquire")
	return acquired, nil
}

// Release removes holder's lease. It reports false when no such lease exists.
func (s *Semaphore) Release(ctx context.Context, resourceKey, holder string) (bool, error) {
	removed, err := s.client.ZRem(ctx, s.key(resourceKey), holder).Result()
	if err != nil {
		return false, fmt.Errorf("semaphore release %s: %w", resourceKey, err)
	}
	return removed == 1, nil
}

// Count returns the number of unexpired leases, purging expired ones first.
func (s *Semaphore) Count(ctx context.Context, resourceKey string) (int, error) {
	n, err := countScript.Run(ctx, s.client,
		[]string{s.key(resourceKey)},
		s.now().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("semaphore count %s: %w", resourceKey, err)
	}
	return int(n), nil
}

// Extend resets holder's lease expiry to now+additional. It fails when the
// lease has already expired or was never granted.
func (s *Semaphore) Extend(ctx context.Context, resourceKey, holder string, additional time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, s.client,
		[]string{s.key(resourceKey)},
		holder, additional.Milliseconds(), s.now().UnixMilli(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("semaphore extend %s: %w", resourceKey, err)
	}
	return res == 1, nil
}
