package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrVersionConflict is returned by Save when another writer updated the
// conversation after this copy was loaded. Callers re-read and re-apply.
var ErrVersionConflict = errors.New("conversation: state version conflict")

const (
	stateKeyPrefix   = "conv:state:"
	versionKeyPrefix = "conv:ver:"
	dedupeKeyPrefix  = "conv:msg:"
)

// casScript writes the state only if the stored version still matches the
// version the caller loaded. Versions live in a companion key so the check
// does not have to parse the JSON body.
var casScript = redis.NewScript(`
local ver = redis.call('GET', KEYS[2])
if not ver then ver = '0' end
if ver ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
redis.call('SET', KEYS[2], tostring(tonumber(ARGV[1]) + 1), 'PX', ARGV[3])
return 1
`)

// Store persists conversation state in Redis with compare-and-set writes,
// and tracks processed gateway message ids for webhook deduplication.
type Store struct {
	rdb *redis.Client
	// ttl is a hard retention bound on stored conversations; idle expiry
	// of the dialogue itself is the engine's business.
	ttl       time.Duration
	dedupeTTL time.Duration
}

// NewStore builds a Redis-backed conversation store.
func NewStore(rdb *redis.Client, ttl, dedupeTTL time.Duration) *Store {
	if rdb == nil {
		panic("conversation: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if dedupeTTL <= 0 {
		dedupeTTL = 24 * time.Hour
	}
	return &Store{rdb: rdb, ttl: ttl, dedupeTTL: dedupeTTL}
}

// Get loads the conversation for a phone. A missing key yields (nil, nil).
func (s *Store) Get(ctx context.Context, phone string) (*State, error) {
	raw, err := s.rdb.Get(ctx, stateKeyPrefix+phone).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: failed to load state: %w", err)
	}

	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("conversation: corrupt state for %s: %w", phone, err)
	}
	return &st, nil
}

// Save writes the state if nobody else wrote since it was loaded. On
// success the in-memory Version is advanced to match the store. A fresh
// state (Version 0) only saves when no conversation exists for the phone.
func (s *Store) Save(ctx context.Context, st *State) error {
	next := *st
	next.Version = st.Version + 1
	body, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("conversation: failed to encode state: %w", err)
	}

	keys := []string{stateKeyPrefix + st.Phone, versionKeyPrefix + st.Phone}
	ok, err := casScript.Run(ctx, s.rdb, keys,
		st.Version, string(body), s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("conversation: failed to save state: %w", err)
	}
	if ok != 1 {
		return ErrVersionConflict
	}
	st.Version = next.Version
	return nil
}

// Delete removes the conversation and its version counter.
func (s *Store) Delete(ctx context.Context, phone string) error {
	if err := s.rdb.Del(ctx, stateKeyPrefix+phone, versionKeyPrefix+phone).Err(); err != nil {
		return fmt.Errorf("conversation: failed to delete state: %w", err)
	}
	return nil
}

// Count scans for active conversations. It walks the keyspace, so it is
// meant for the admin status view, not hot paths.
func (s *Store) Count(ctx context.Context) (int, error) {
	var cursor uint64
	var count int
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, stateKeyPrefix+"*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("conversation: failed to scan states: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// MarkProcessed records a gateway message id and reports whether this is
// the first time it was seen. Redeliveries return false and are dropped.
func (s *Store) MarkProcessed(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	first, err := s.rdb.SetNX(ctx, dedupeKeyPrefix+messageID, "1", s.dedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("conversation: failed to record message id: %w", err)
	}
	return first, nil
}
