package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const idemKeyPrefix = "booking-idem:"

// IdempotencyStore remembers accepted booking idempotency keys so a
// duplicate creation call within the retention window is suppressed
// client-side instead of reaching the scheduling system twice.
type IdempotencyStore struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewIdempotencyStore builds a store with the given retention window.
func NewIdempotencyStore(rdb *redis.Client, retention time.Duration) *IdempotencyStore {
	if rdb == nil {
		panic("scheduling: redis client cannot be nil")
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &IdempotencyStore{rdb: rdb, retention: retention}
}

// Lookup returns the booking previously accepted under key, if any.
func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (Booking, bool, error) {
	data, err := s.rdb.Get(ctx, idemKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return Booking{}, false, nil
	}
	if err != nil {
		return Booking{}, false, fmt.Errorf("scheduling: idempotency lookup: %w", err)
	}

	var b Booking
	if err := json.Unmarshal(data, &b); err != nil {
		return Booking{}, false, fmt.Errorf("scheduling: idempotency decode: %w", err)
	}
	return b, true, nil
}

// Record stores the accepted booking under key for the retention window.
func (s *IdempotencyStore) Record(ctx context.Context, key string, b Booking) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("scheduling: idempotency encode: %w", err)
	}
	if err := s.rdb.Set(ctx, idemKeyPrefix+key, data, s.retention).Err(); err != nil {
		return fmt.Errorf("scheduling: idempotency record: %w", err)
	}
	return nil
}
