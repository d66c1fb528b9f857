// Package cache provides a Redis client wrapper for credit accounting and
// rate limiting in Smart Search. Credit reservations, commits and releases
// run as Lua scripts so each transition is a single atomic round-trip.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/logger"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string // host:port
	Password string
	DB       int
}

// Cache wraps a Redis client with Smart Search specific operations.
type Cache struct {
	client *redis.Client
}

// NewCache creates a new Redis cache client and verifies connectivity.
func NewCache(ctx context.Context, opts Options) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	logger.Named("cache").Info().Str("addr", opts.Addr).Msg("connected to Redis")
	return &Cache{client: client}, nil
}

// Close gracefully shuts down the Redis client connection.
func (c *Cache) Close() error {
	if c.client != nil {
		logger.Named("cache").Info().Msg("closing Redis connection")
		return c.client.Close()
	}
	return nil
}

// Ping checks that Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Credit keys. Format: "credits:{field}:{workspaceID}".
func limitKey(workspaceID string) string    { return "credits:limit:" + workspaceID }
func spentKey(workspaceID string) string    { return "credits:spent:" + workspaceID }
func reservedKey(workspaceID string) string { return "credits:reserved:" + workspaceID }

// reservedTTL bounds how long an uncommitted reservation can hold credits if
// the process dies between reserve and commit/release.
const reservedTTL = 10 * time.Minute

// reserveLua atomically checks limit >= spent + reserved + amount and, when it
// holds, adds amount to the reserved counter. A limit of 0 means unlimited.
// ARGV: amount, reserved ttl seconds, default limit.
var reserveLua = redis.NewScript(`
	local limit = tonumber(redis.call('GET', KEYS[1]) or ARGV[3])
	local spent = tonumber(redis.call('GET', KEYS[2]) or '0')
	local reserved = tonumber(redis.call('GET', KEYS[3]) or '0')
	local amount = tonumber(ARGV[1])
	if limit > 0 and spent + reserved + amount > limit then
		return 0
	end
	redis.call('INCRBY', KEYS[3], amount)
	redis.call('EXPIRE', KEYS[3], ARGV[2])
	return 1
`)

// commitLua moves amount from the reserved counter to the spent counter and
// sets the period TTL on the spent counter if it has none.
// ARGV: amount, period ttl seconds.
var commitLua = redis.NewScript(`
	local amount = tonumber(ARGV[1])
	local reserved = redis.call('DECRBY', KEYS[1], amount)
	if reserved < 0 then
		redis.call('SET', KEYS[1], 0)
	end
	local spent = redis.call('INCRBY', KEYS[2], amount)
	if redis.call('TTL', KEYS[2]) == -1 then
		redis.call('EXPIRE', KEYS[2], ARGV[2])
	end
	return spent
`)

// releaseLua returns amount from the reserved counter without charging it.
var releaseLua = redis.NewScript(`
	local reserved = redis.call('DECRBY', KEYS[1], ARGV[1])
	if reserved < 0 then
		redis.call('SET', KEYS[1], 0)
		reserved = 0
	end
	return reserved
`)

// ReserveCredits holds amount credits for workspaceID. It returns false when
// the reservation would exceed the workspace limit. defaultLimit applies to
// workspaces with no explicit limit; 0 means unlimited.
func (c *Cache) ReserveCredits(ctx context.Context, workspaceID string, amount, defaultLimit int64) (bool, error) {
	keys := []string{limitKey(workspaceID), spentKey(workspaceID), reservedKey(workspaceID)}
	ok, err := reserveLua.Run(ctx, c.client, keys,
		amount, int(reservedTTL/time.Second), defaultLimit).Int64()
	if err != nil {
		return false, fmt.Errorf("cache: reserve credits %q: %w", workspaceID, err)
	}
	return ok == 1, nil
}

// CommitCredits charges a previously reserved amount and returns the new
// spent total for the period.
func (c *Cache) CommitCredits(ctx context.Context, workspaceID string, amount int64, period time.Duration) (int64, error) {
	keys := []string{reservedKey(workspaceID), spentKey(workspaceID)}
	spent, err := commitLua.Run(ctx, c.client, keys, amount, int(period/time.Second)).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache: commit credits %q: %w", workspaceID, err)
	}
	return spent, nil
}

// ReleaseCredits drops a reservation without charging it.
func (c *Cache) ReleaseCredits(ctx context.Context, workspaceID string, amount int64) error {
	if err := releaseLua.Run(ctx, c.client, []string{reservedKey(workspaceID)}, amount).Err(); err != nil {
		return fmt.Errorf("cache: release credits %q: %w", workspaceID, err)
	}
	return nil
}

// CreditState is the current Redis view of a workspace budget.
type CreditState struct {
	Limit    int64
	HasLimit bool
	Spent    int64
	Reserved int64
}

// GetCredits reads limit, spent and reserved counters in one pipeline.
func (c *Cache) GetCredits(ctx context.Context, workspaceID string) (CreditState, error) {
	pipe := c.client.Pipeline()
	limitCmd := pipe.Get(ctx, limitKey(workspaceID))
	spentCmd := pipe.Get(ctx, spentKey(workspaceID))
	reservedCmd := pipe.Get(ctx, reservedKey(workspaceID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return CreditState{}, fmt.Errorf("cache: get credits %q: %w", workspaceID, err)
	}

	var st CreditState
	var err error
	if st.Limit, st.HasLimit, err = parseCounter(limitCmd); err != nil {
		return CreditState{}, err
	}
	if st.Spent, _, err = parseCounter(spentCmd); err != nil {
		return CreditState{}, err
	}
	if st.Reserved, _, err = parseCounter(reservedCmd); err != nil {
		return CreditState{}, err
	}
	return st, nil
}

func parseCounter(cmd *redis.StringCmd) (int64, bool, error) {
	val, err := cmd.Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("cache: get %q: %w", cmd.Args()[1], err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("cache: parse %q=%q: %w", cmd.Args()[1], val, err)
	}
	return n, true, nil
}

// SetCreditLimit stores the credit limit for workspaceID. The limit key never
// expires; the spent counter carries the period TTL.
func (c *Cache) SetCreditLimit(ctx context.Context, workspaceID string, limit int64) error {
	if err := c.client.Set(ctx, limitKey(workspaceID), limit, 0).Err(); err != nil {
		return fmt.Errorf("cache: set credit limit %q: %w", workspaceID, err)
	}
	return nil
}

// SeedCreditSpent sets the spent counter from a persisted value unless a
// live counter already exists. It reports whether the counter was written.
func (c *Cache) SeedCreditSpent(ctx context.Context, workspaceID string, spent int64, period time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, spentKey(workspaceID), spent, period).Result()
	if err != nil {
		return false, fmt.Errorf("cache: seed credit spent %q: %w", workspaceID, err)
	}
	return ok, nil
}

// ResetCredits clears the spent and reserved counters for workspaceID.
func (c *Cache) ResetCredits(ctx context.Context, workspaceID string) error {
	if err := c.client.Del(ctx, spentKey(workspaceID), reservedKey(workspaceID)).Err(); err != nil {
		return fmt.Errorf("cache: reset credits %q: %w", workspaceID, err)
	}
	return nil
}

// rateLimitLua atomically increments the counter and sets TTL only on the first
// request in the window. This prevents the TTL from being extended by subsequent
// requests, which would cause callers to be blocked longer than the intended window.
var rateLimitLua = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('EXPIRE', KEYS[1], ARGV[1])
	end
	return count
`)

// RateLimitCheck performs a fixed-window rate limit check for a given key.
// It returns true if the request is allowed (under limit), false if rate-limited.
func (c *Cache) RateLimitCheck(ctx context.Context, key string, maxRequests int64, window time.Duration) (bool, error) {
	rateLimitKey := "ratelimit:" + key
	windowSeconds := int(window / time.Second)

	result, err := rateLimitLua.Run(ctx, c.client, []string{rateLimitKey}, windowSeconds).Int64()
	if err != nil {
		return false, fmt.Errorf("cache: rate limit check: %w", err)
	}

	return result <= maxRequests, nil
}
