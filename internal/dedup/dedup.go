// Package dedup collapses logically identical events into one dispatch.
//
// An event's idempotency key is derived from (name, identity, time bucket)
// unless the integrator supplies one. A key seen inside the TTL window is
// suppressed. Because buckets are aligned to the TTL, two sends straddling a
// bucket boundary get different keys; ShouldSend also consults the previous
// bucket's key so such pairs are still suppressed while inside the window.
//
// With the Redis store the check-and-record is a single atomic SET NX. With a
// process-local store it is only atomic within that process; two processes
// may both observe "not yet sent" and each dispatch once.
package dedup

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dyluth/spoor/pkg/ledger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultTTL is the default suppression window.
const DefaultTTL = 300 * time.Second

// FailurePolicy decides what happens when the store cannot be used.
type FailurePolicy string

const (
	// FailOpen sends the event anyway, risking a duplicate.
	FailOpen FailurePolicy = "open"
	// FailClosed suppresses the event, risking a lost conversion.
	FailClosed FailurePolicy = "closed"
)

// ParseFailurePolicy parses "open" or "closed". Empty selects FailOpen.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	default:
		return "", fmt.Errorf("invalid failure policy %q: must be 'open' or 'closed'", s)
	}
}

// Stats is a snapshot of deduplicator counters.
type Stats struct {
	Sent        int64 `json:"sent"`
	Suppressed  int64 `json:"suppressed"`
	StoreErrors int64 `json:"store_errors"`
}

// Options configures a Deduplicator.
type Options struct {
	Store  Store
	TTL    time.Duration
	Policy FailurePolicy
	Clock  func() time.Time
	Logger *log.Logger
	Meter  metric.Meter
}

// Deduplicator decides whether an event should be dispatched.
type Deduplicator struct {
	store  Store
	ttl    time.Duration
	policy FailurePolicy
	clock  func() time.Time
	logger *log.Logger

	sent        atomic.Int64
	suppressed  atomic.Int64
	storeErrors atomic.Int64

	suppressedCounter metric.Int64Counter
}

// New creates a Deduplicator. A nil Store selects a MemoryStore.
func New(opts Options) (*Deduplicator, error) {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.TTL < time.Millisecond {
		return nil, fmt.Errorf("dedup ttl must be at least 1ms, got %v", opts.TTL)
	}
	policy, err := ParseFailurePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("github.com/dyluth/spoor/internal/dedup")
	}

	counter, err := opts.Meter.Int64Counter("spoor.dedup.suppressed",
		metric.WithDescription("Events suppressed as duplicates"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create suppressed counter: %w", err)
	}

	return &Deduplicator{
		store:             opts.Store,
		ttl:               opts.TTL,
		policy:            policy,
		clock:             opts.Clock,
		logger:            opts.Logger,
		suppressedCounter: counter,
	}, nil
}

// TTL returns the suppression window.
func (d *Deduplicator) TTL() time.Duration {
	return d.ttl
}

// Policy returns the configured failure policy.
func (d *Deduplicator) Policy() FailurePolicy {
	return d.policy
}

// Assign sets event.IdempotencyKey (and a zero Timestamp) and returns the key.
// An external key, when present, wins over the derived one.
func (d *Deduplicator) Assign(event *ledger.Event, identityID string) string {
	if event.Timestamp.IsZero() {
		event.Timestamp = d.clock()
	}
	if ext := ExternalKey(event.ExternalKey); ext != "" {
		event.IdempotencyKey = ext
	} else {
		event.IdempotencyKey = Key(event.Name, identityID, Bucket(event.Timestamp, d.ttl))
	}
	return event.IdempotencyKey
}

// ShouldSend assigns the event's idempotency key and reports whether it is the
// first sighting inside the TTL window. Store failures follow the configured
// failure policy; they are never returned to the caller.
func (d *Deduplicator) ShouldSend(ctx context.Context, event *ledger.Event, identityID string) bool {
	key := d.Assign(event, identityID)
	at := event.Timestamp

	// A duplicate of the previous bucket's event is not recorded, so the
	// window stays anchored to the event that was actually sent.
	if !strings.HasPrefix(key, ExternalKeyPrefix) {
		prev := Key(event.Name, identityID, Bucket(at, d.ttl)-1)
		seen, err := d.store.Seen(ctx, prev, at)
		if err != nil {
			d.logger.Printf("[Dedup] Warning: previous bucket check failed for %s: %v", event.Name, err)
		} else if seen {
			d.suppress(ctx, event, "key seen in previous bucket")
			return false
		}
	}

	fresh, err := d.store.Claim(ctx, key, at, d.ttl)
	if err != nil {
		return d.onStoreError(event, err)
	}
	if !fresh {
		d.suppress(ctx, event, "key seen in window")
		return false
	}

	d.sent.Add(1)
	return true
}

// Stats returns a snapshot of the counters.
func (d *Deduplicator) Stats() Stats {
	return Stats{
		Sent:        d.sent.Load(),
		Suppressed:  d.suppressed.Load(),
		StoreErrors: d.storeErrors.Load(),
	}
}

func (d *Deduplicator) suppress(ctx context.Context, event *ledger.Event, reason string) {
	d.suppressed.Add(1)
	d.suppressedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event.Name)))
	d.logger.Printf("[Dedup] Suppressed %s (%s): %s", event.Name, shortKey(event.IdempotencyKey), reason)
}

func (d *Deduplicator) onStoreError(event *ledger.Event, err error) bool {
	d.storeErrors.Add(1)
	if d.policy == FailClosed {
		d.logger.Printf("[Dedup] Warning: store unavailable, suppressing %s (fail closed): %v", event.Name, err)
		return false
	}
	d.logger.Printf("[Dedup] Warning: store unavailable, sending %s (fail open): %v", event.Name, err)
	d.sent.Add(1)
	return true
}

func shortKey(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}
