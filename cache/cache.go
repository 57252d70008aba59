// Package cache holds the ephemeral, TTL-bound telemetry store.
//
// Entries are JSON records in Redis. Expiry is enforced by Redis itself, so a
// missing key means either "expired" or "never written" and callers treat
// both as unknown. Only an unreachable store is an error.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"infusionrelay/models"
)

// Options configures the Redis connection and its circuit breaker.
type Options struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	BreakerTrip  uint32
	BreakerReset time.Duration
}

// TelemetryCache is a Redis-backed key/value store with per-key expiry.
type TelemetryCache struct {
	rdb     redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// New connects lazily; use Ping to verify reachability at startup.
func New(opts Options, log zerolog.Logger) *TelemetryCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
	return NewWithClient(rdb, opts, log)
}

// NewWithClient wraps an existing client (tests point it at miniredis).
func NewWithClient(rdb redis.UniversalClient, opts Options, log zerolog.Logger) *TelemetryCache {
	log = log.With().Str("component", "cache").Logger()

	trip := opts.BreakerTrip
	if trip == 0 {
		trip = 5
	}
	reset := opts.BreakerReset
	if reset <= 0 {
		reset = 10 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 1,
		Timeout:     reset,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= trip
		},
		// A cache miss is a normal answer, not a failure. A caller giving
		// up says nothing about redis either.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, redis.Nil) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("cache breaker state changed")
		},
	})

	return &TelemetryCache{rdb: rdb, breaker: cb, log: log}
}

// Set stores value as JSON under key for ttl.
func (c *TelemetryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.rdb.Set(ctx, key, b, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", models.ErrStoreUnavailable, key, err)
	}
	return nil
}

// Get decodes the value under key into dest. found is false when the key
// is absent or expired.
func (c *TelemetryCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.breaker.Execute(func() (interface{}, error) {
		return c.rdb.Get(ctx, key).Bytes()
	})
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: get %s: %v", models.ErrStoreUnavailable, key, err)
	}
	if err := json.Unmarshal(raw.([]byte), dest); err != nil {
		// A corrupt entry carries no usable state.
		c.log.Warn().Err(err).Str("key", key).Msg("dropping undecodable cache entry")
		return false, nil
	}
	return true, nil
}

func (c *TelemetryCache) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

func (c *TelemetryCache) Close() error {
	return c.rdb.Close()
}
