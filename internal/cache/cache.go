// Package cache provides a short-TTL Redis-backed result cache for
// idempotent downstream reads (patient lookups, available dates/slots).
// Entries are pure projections of external state, so concurrent refreshes
// with last-write-wins are acceptable.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const keyPrefix = "cache:"

// ObserverFunc is notified of hits and misses for metrics.
type ObserverFunc func(key string, hit bool)

// Cache stores JSON-encoded values in Redis under a common prefix.
type Cache struct {
	rdb      *redis.Client
	observer ObserverFunc
	tracer   trace.Tracer
}

// New builds a cache over the given Redis client. observer may be nil.
func New(rdb *redis.Client, observer ObserverFunc) *Cache {
	if rdb == nil {
		panic("cache: redis client cannot be nil")
	}
	return &Cache{
		rdb:      rdb,
		observer: observer,
		tracer:   otel.Tracer("agendabot.internal.cache"),
	}
}

// GetOrFetch returns the cached value for key when present and fresh,
// otherwise invokes fetch and stores its result with the given TTL.
// A fetch error is returned as-is and nothing is cached.
func GetOrFetch[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	ctx, span := c.tracer.Start(ctx, "cache.get_or_fetch")
	defer span.End()

	var value T
	data, err := c.rdb.Get(ctx, keyPrefix+key).Bytes()
	if err == nil {
		if unmarshalErr := json.Unmarshal(data, &value); unmarshalErr == nil {
			c.observe(key, true)
			return value, nil
		}
		// Corrupt entry: fall through and refresh.
	} else if err != redis.Nil {
		span.RecordError(err)
	}

	c.observe(key, false)
	value, err = fetch(ctx)
	if err != nil {
		return value, err
	}

	if data, marshalErr := json.Marshal(value); marshalErr == nil {
		if setErr := c.rdb.Set(ctx, keyPrefix+key, data, ttl).Err(); setErr != nil {
			span.RecordError(setErr)
		}
	}
	return value, nil
}

// Invalidate drops a single entry. Missing keys are not an error.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("cache: failed to invalidate %s: %w", key, err)
	}
	return nil
}

// Size counts live cache entries, for the admin status snapshot.
func (c *Cache) Size(ctx context.Context) (int, error) {
	var cursor uint64
	count := 0
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("cache: failed to scan entries: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

func (c *Cache) observe(key string, hit bool) {
	if c.observer != nil {
		c.observer(key, hit)
	}
}
