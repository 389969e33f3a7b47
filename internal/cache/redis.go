package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"broker-resilience/config"
)

// RedisStore is a redis-backed Store shared by all instances. Redis
// outages degrade reads to cache misses so the fallback chain can keep
// moving; they never propagate as errors to callers of Get.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	logger     zerolog.Logger
	mu         sync.RWMutex
	defaultTTL time.Duration
	hits       int64
	misses     int64

	// Health tracking
	healthy       bool
	failureCount  int
	lastCheck     time.Time
	maxFailures   int
	checkInterval time.Duration
}

// NewRedisStore connects to redis and returns a shared store. A failed
// initial ping returns the store in degraded mode rather than an error.
func NewRedisStore(cfg config.RedisConfig, keyPrefix string, defaultTTL time.Duration, logger zerolog.Logger) (*RedisStore, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}

	rs := &RedisStore{
		client:        client,
		prefix:        keyPrefix,
		logger:        logger.With().Str("component", "RedisStore").Logger(),
		defaultTTL:    defaultTTL,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		rs.logger.Warn().Err(err).Msg("Initial redis connection failed, starting degraded")
		return rs, nil
	}

	rs.healthy = true
	rs.lastCheck = time.Now()
	rs.logger.Info().Str("address", cfg.Address).Msg("Redis cache connected")

	return rs, nil
}

func (rs *RedisStore) key(k string) string {
	if rs.prefix == "" {
		return k
	}
	return rs.prefix + ":" + k
}

// IsHealthy returns whether redis is currently reachable.
func (rs *RedisStore) IsHealthy() bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.healthy
}

func (rs *RedisStore) recordFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.failureCount++
	if rs.failureCount >= rs.maxFailures {
		if rs.healthy {
			rs.logger.Warn().Int("failures", rs.failureCount).Msg("Redis marked unhealthy")
		}
		rs.healthy = false
	}
}

func (rs *RedisStore) recordSuccess() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.healthy {
		rs.logger.Info().Msg("Redis recovered")
	}
	rs.healthy = true
	rs.failureCount = 0
	rs.lastCheck = time.Now()
}

// checkHealth performs a background ping if enough time has passed.
func (rs *RedisStore) checkHealth() {
	rs.mu.RLock()
	shouldCheck := !rs.healthy && time.Since(rs.lastCheck) >= rs.checkInterval
	rs.mu.RUnlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := rs.client.Ping(pingCtx).Err(); err == nil {
			rs.recordSuccess()
		}
	}()
}

// Set stores a value under the current default TTL.
func (rs *RedisStore) Set(ctx context.Context, key string, value interface{}) error {
	return rs.SetWithTTL(ctx, key, value, rs.DefaultTTL())
}

// SetWithTTL marshals the value to JSON and stores it with an explicit TTL.
func (rs *RedisStore) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	rs.checkHealth()

	if !rs.IsHealthy() {
		return fmt.Errorf("redis unavailable")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cached value: %w", err)
	}

	if err := rs.client.Set(ctx, rs.key(key), data, ttl).Err(); err != nil {
		rs.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	rs.recordSuccess()
	return nil
}

// Get returns the value for key. Redis errors and unhealthy state are
// reported as misses.
func (rs *RedisStore) Get(ctx context.Context, key string) (interface{}, bool) {
	rs.checkHealth()

	if !rs.IsHealthy() {
		rs.countMiss()
		return nil, false
	}

	data, err := rs.client.Get(ctx, rs.key(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			rs.recordFailure()
		}
		rs.countMiss()
		return nil, false
	}

	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		rs.countMiss()
		return nil, false
	}

	rs.recordSuccess()
	rs.countHit()
	return value, true
}

// Delete removes a key.
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, rs.key(key)).Err(); err != nil {
		rs.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}

	rs.recordSuccess()
	return nil
}

// Clear removes all keys under this store's prefix and resets counters.
func (rs *RedisStore) Clear(ctx context.Context) error {
	iter := rs.client.Scan(ctx, 0, rs.key("*"), 100).Iterator()
	for iter.Next(ctx) {
		if err := rs.client.Del(ctx, iter.Val()).Err(); err != nil {
			rs.recordFailure()
			return fmt.Errorf("redis clear failed: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		rs.recordFailure()
		return fmt.Errorf("redis scan failed: %w", err)
	}

	rs.mu.Lock()
	rs.hits = 0
	rs.misses = 0
	rs.mu.Unlock()

	return nil
}

// SetDefaultTTL changes the TTL applied to subsequent Set calls.
func (rs *RedisStore) SetDefaultTTL(ttl time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if ttl > 0 {
		rs.defaultTTL = ttl
	}
}

// DefaultTTL returns the TTL applied to Set calls.
func (rs *RedisStore) DefaultTTL() time.Duration {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.defaultTTL
}

func (rs *RedisStore) countHit() {
	rs.mu.Lock()
	rs.hits++
	rs.mu.Unlock()
}

func (rs *RedisStore) countMiss() {
	rs.mu.Lock()
	rs.misses++
	rs.mu.Unlock()
}

// Stats returns current cache statistics. Entry count is best-effort
// and reports zero when redis is unreachable.
func (rs *RedisStore) Stats() Stats {
	var entries int
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	keys, err := rs.client.Keys(ctx, rs.key("*")).Result()
	if err == nil {
		entries = len(keys)
	}

	rs.mu.RLock()
	defer rs.mu.RUnlock()

	return Stats{
		Hits:       rs.hits,
		Misses:     rs.misses,
		Entries:    entries,
		DefaultTTL: rs.defaultTTL,
	}
}

// Close closes the redis connection.
func (rs *RedisStore) Close() error {
	if rs.client != nil {
		return rs.client.Close()
	}
	return nil
}

// Ping checks redis connectivity.
func (rs *RedisStore) Ping(ctx context.Context) error {
	if err := rs.client.Ping(ctx).Err(); err != nil {
		rs.recordFailure()
		return err
	}
	rs.recordSuccess()
	return nil
}
