// Package matchkey turns PII into match keys: field-specific normalization
// followed by an irreversible, fixed-length digest.
//
// Normalization and digest must agree byte-for-byte wherever they run, so a
// digest computed by the web runtime matches one computed server-side. The
// digest algorithm is versioned through Algorithm; changing it invalidates
// every stored match key.
package matchkey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dyluth/spoor/pkg/ledger"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Algorithm tags every HashedValue produced by this package.
const Algorithm = "sha256/v1"

// DefaultCacheSize bounds the normalized-value cache.
const DefaultCacheSize = 512

// DefaultWait bounds HashAll when the caller passes no wait.
const DefaultWait = 2 * time.Second

// ErrHashingUnavailable reports that no cryptographic digest is available in
// this runtime. Affected fields are skipped, never hashed with a weaker function.
var ErrHashingUnavailable = errors.New("hashing unavailable")

// Digester computes the hex digest of an already-normalized value.
// Implementations may block; they must honour ctx.
type Digester interface {
	Digest(ctx context.Context, normalized string) (string, error)
}

// SHA256 is the production digester.
type SHA256 struct{}

// Digest returns the lowercase hex SHA-256 of normalized.
func (SHA256) Digest(ctx context.Context, normalized string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), nil
}

// Options configures a Hasher. Zero values select defaults.
type Options struct {
	Digester    Digester
	CacheSize   int
	CallingCode string
	Logger      *log.Logger
}

// Hasher normalizes and hashes PII fields. It is safe for concurrent use.
type Hasher struct {
	digester    Digester
	cache       *lru.Cache[string, string]
	callingCode string
	logger      *log.Logger
	computed    atomic.Int64
}

// NewHasher creates a Hasher with a fixed-size cache keyed by normalized value.
func NewHasher(opts Options) (*Hasher, error) {
	if opts.Digester == nil {
		opts.Digester = SHA256{}
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CallingCode == "" {
		opts.CallingCode = DefaultCallingCode
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	cache, err := lru.New[string, string](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create hash cache: %w", err)
	}

	return &Hasher{
		digester:    opts.Digester,
		cache:       cache,
		callingCode: opts.CallingCode,
		logger:      opts.Logger,
	}, nil
}

// Hash normalizes raw for field and returns its match key.
// Returns (nil, nil) when raw is empty or carries no usable value: an empty
// string is never hashed.
func (h *Hasher) Hash(ctx context.Context, field ledger.Field, raw string) (*ledger.HashedValue, error) {
	if err := field.Validate(); err != nil {
		return nil, err
	}

	normalized, ok := Normalize(field, raw, h.callingCode)
	if !ok {
		return nil, nil
	}

	cacheKey := string(field) + "|" + normalized
	digest, ok := h.cache.Get(cacheKey)
	if !ok {
		var err error
		digest, err = h.digester.Digest(ctx, normalized)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", field, err)
		}
		h.computed.Add(1)
		h.cache.Add(cacheKey, digest)
	}

	return &ledger.HashedValue{
		Algorithm:                   Algorithm,
		DigestHex:                   digest,
		SourceFieldNormalizedLength: len(normalized),
	}, nil
}

// Computed returns how many digests were actually computed (cache misses).
func (h *Hasher) Computed() int64 {
	return h.computed.Load()
}

// Status distinguishes a batch that finished from one cut off by its wait.
type Status string

const (
	StatusResolved Status = "resolved"
	StatusTimedOut Status = "timed_out"
)

// Batch is the outcome of HashAll.
type Batch struct {
	Status  Status
	Keys    map[ledger.Field]ledger.HashedValue
	Skipped []ledger.Field // hashing failed or unavailable
	Pending []ledger.Field // still hashing when the wait expired
}

// TimedOut reports whether some fields were abandoned at the deadline.
func (b Batch) TimedOut() bool {
	return b.Status == StatusTimedOut
}

type hashResult struct {
	field ledger.Field
	value *ledger.HashedValue
	err   error
}

// HashAll hashes every field concurrently and waits at most wait for them.
// Fields that resolve in time are returned; the rest are reported as Pending
// so the caller can proceed with partial matching instead of dropping the event.
func (h *Hasher) HashAll(ctx context.Context, fields map[ledger.Field]string, wait time.Duration) Batch {
	if wait <= 0 {
		wait = DefaultWait
	}
	batch := Batch{Status: StatusResolved, Keys: map[ledger.Field]ledger.HashedValue{}}
	if len(fields) == 0 {
		return batch
	}

	hashCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	// Buffered so abandoned goroutines can always finish their send
	results := make(chan hashResult, len(fields))
	outstanding := make(map[ledger.Field]bool, len(fields))
	for field, raw := range fields {
		outstanding[field] = true
		go func(field ledger.Field, raw string) {
			value, err := h.Hash(hashCtx, field, raw)
			results <- hashResult{field: field, value: value, err: err}
		}(field, raw)
	}

	for len(outstanding) > 0 {
		select {
		case r := <-results:
			if r.err != nil && hashCtx.Err() != nil {
				// Cut off by the wait; reported as pending below
				continue
			}
			delete(outstanding, r.field)
			switch {
			case r.err != nil:
				if errors.Is(r.err, ErrHashingUnavailable) {
					h.logger.Printf("[MatchKey] Warning: hashing unavailable, skipping %s", r.field)
				} else {
					h.logger.Printf("[MatchKey] Warning: skipping %s: %v", r.field, r.err)
				}
				batch.Skipped = append(batch.Skipped, r.field)
			case r.value != nil:
				batch.Keys[r.field] = *r.value
			}
		case <-hashCtx.Done():
			batch.Status = StatusTimedOut
			for field := range outstanding {
				batch.Pending = append(batch.Pending, field)
			}
			sortFields(batch.Pending)
			sortFields(batch.Skipped)
			h.logger.Printf("[MatchKey] Hash wait expired after %v with %d field(s) pending", wait, len(batch.Pending))
			return batch
		}
	}

	sortFields(batch.Skipped)
	return batch
}

// Fingerprint derives a short, stable device fingerprint from descriptive
// parts (screen, timezone, language, user agent...). The result is 16 hex
// characters; it identifies a device class, not a person.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	h.Write([]byte("spoor/fingerprint/v1"))
	for _, p := range parts {
		h.Write([]byte{0x00})
		h.Write([]byte(strings.TrimSpace(p)))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func sortFields(fields []ledger.Field) {
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
}
