package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dyluth/spoor/pkg/ledger"
)

var (
	// ErrNotFound is returned by Store.Load when the profile has no record.
	ErrNotFound = errors.New("identity not found")

	// ErrStoreUnavailable wraps any failure to read or write the backing store.
	ErrStoreUnavailable = errors.New("identity store unavailable")

	// ErrConflict is returned when compare-and-set retries are exhausted.
	ErrConflict = errors.New("identity update conflict")
)

// Store persists one identity record per profile behind a generation counter.
//
// CompareAndSwap writes next only if the stored generation equals expected
// (0 meaning empty). When it does not, it returns the record currently stored
// and false so the caller can adopt it. A zero-generation record with false
// means the cell vanished between read and write.
type Store interface {
	Load(ctx context.Context, profile string) (ledger.Record, error)
	CompareAndSwap(ctx context.Context, profile string, expected uint64, next ledger.UnifiedIdentity) (ledger.Record, bool, error)
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Lister is implemented by stores that can enumerate their profiles.
type Lister interface {
	ListProfiles(ctx context.Context) ([]string, error)
}

// RedisStore adapts a ledger client to Store.
type RedisStore struct {
	client *ledger.Client
}

// NewRedisStore creates a Store backed by the shared Redis ledger.
func NewRedisStore(client *ledger.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Load(ctx context.Context, profile string) (ledger.Record, error) {
	rec, err := s.client.LoadIdentity(ctx, profile)
	if ledger.IsNotFound(err) {
		return ledger.Record{}, ErrNotFound
	}
	return rec, err
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, profile string, expected uint64, next ledger.UnifiedIdentity) (ledger.Record, bool, error) {
	return s.client.CompareAndSwapIdentity(ctx, profile, expected, next)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *RedisStore) ListProfiles(ctx context.Context) ([]string, error) {
	return s.client.ListProfiles(ctx)
}

// MemoryStore is an in-process Store. Records are deep-copied on the way in
// and out so callers never share maps with the store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]ledger.Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]ledger.Record)}
}

func (s *MemoryStore) Load(ctx context.Context, profile string) (ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[profile]
	if !ok {
		return ledger.Record{}, ErrNotFound
	}
	return ledger.Record{Identity: rec.Identity.Clone(), Generation: rec.Generation}, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, profile string, expected uint64, next ledger.UnifiedIdentity) (ledger.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Record{}, false, err
	}
	if err := next.Validate(); err != nil {
		return ledger.Record{}, false, fmt.Errorf("refusing to store invalid identity: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.records[profile]
	if current.Generation != expected {
		return ledger.Record{Identity: current.Identity.Clone(), Generation: current.Generation}, false, nil
	}

	rec := ledger.Record{Identity: next.Clone(), Generation: expected + 1}
	rec.Identity.Ephemeral = false
	s.records[profile] = rec
	return ledger.Record{Identity: rec.Identity.Clone(), Generation: rec.Generation}, true, nil
}

// Evict drops a profile's record, as a client-local store's eviction would.
func (s *MemoryStore) Evict(profile string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, profile)
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) ListProfiles(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	profiles := make([]string, 0, len(s.records))
	for p := range s.records {
		profiles = append(profiles, p)
	}
	sort.Strings(profiles)
	return profiles, nil
}
