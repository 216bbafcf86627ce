package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/dyluth/spoor/pkg/ledger"
)

// Store records idempotency keys for a bounded window.
//
// Claim records key until at+ttl and reports whether it was absent (or
// expired). Seen reports whether key is recorded and unexpired at at.
type Store interface {
	Claim(ctx context.Context, key string, at time.Time, ttl time.Duration) (bool, error)
	Seen(ctx context.Context, key string, at time.Time) (bool, error)
}

// RedisStore keeps keys in the shared ledger using SET NX PX, which is atomic
// across every process sharing the Redis instance. Expiry follows the Redis
// clock, not the event timestamp.
type RedisStore struct {
	client *ledger.Client
}

// NewRedisStore creates a Store backed by the Redis ledger.
func NewRedisStore(client *ledger.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Claim(ctx context.Context, key string, _ time.Time, ttl time.Duration) (bool, error) {
	return s.client.ClaimDedupKey(ctx, key, ttl)
}

func (s *RedisStore) Seen(ctx context.Context, key string, _ time.Time) (bool, error) {
	return s.client.DedupKeyExists(ctx, key)
}

// sweepEvery controls how often MemoryStore drops expired keys.
const sweepEvery = 256

// MemoryStore is a process-local Store. Claims are serialized by a mutex, so
// it is atomic within one process only.
type MemoryStore struct {
	mu      sync.Mutex
	expires map[string]time.Time
	claims  int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{expires: make(map[string]time.Time)}
}

func (s *MemoryStore) Claim(ctx context.Context, key string, at time.Time, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.claims++
	if s.claims%sweepEvery == 0 {
		s.sweepLocked(at)
	}

	if exp, ok := s.expires[key]; ok && at.Before(exp) {
		return false, nil
	}
	s.expires[key] = at.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Seen(ctx context.Context, key string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.expires[key]
	return ok && at.Before(exp), nil
}

// Len returns the number of keys held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expires)
}

func (s *MemoryStore) sweepLocked(at time.Time) {
	for key, exp := range s.expires {
		if !at.Before(exp) {
			delete(s.expires, key)
		}
	}
}
