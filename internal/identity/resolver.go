// Package identity owns the unified identity record for a profile.
//
// Every mutation (creation, PII merge, visit counting, attribution updates) is
// a read-modify-write guarded by the store's generation counter. Two runtimes
// racing to create the first identity both end up with the winner's id: the
// loser observes the winner's record in the failed compare-and-set and adopts it.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dyluth/spoor/internal/matchkey"
	"github.com/dyluth/spoor/pkg/ledger"
)

// DefaultProfile is used when no profile is configured.
const DefaultProfile = "default"

// DefaultMaxRetries bounds compare-and-set attempts per mutation.
const DefaultMaxRetries = 5

// Mutation edits a private copy of the identity. Returning false leaves the
// stored record untouched.
type Mutation func(identity *ledger.UnifiedIdentity) (bool, error)

// Options configures a Resolver.
type Options struct {
	Store      Store
	Hasher     *matchkey.Hasher
	Profile    string
	MaxRetries int
	HashWait   time.Duration
	Clock      func() time.Time
	Logger     *log.Logger
}

// Resolver reads and mutates the identity of one profile.
type Resolver struct {
	store      Store
	hasher     *matchkey.Hasher
	profile    string
	maxRetries int
	hashWait   time.Duration
	clock      func() time.Time
	logger     *log.Logger
}

// NewResolver creates a Resolver. Store and Hasher are required.
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("identity store is required")
	}
	if opts.Hasher == nil {
		return nil, fmt.Errorf("match key hasher is required")
	}
	if opts.Profile == "" {
		opts.Profile = DefaultProfile
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.HashWait <= 0 {
		opts.HashWait = matchkey.DefaultWait
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	return &Resolver{
		store:      opts.Store,
		hasher:     opts.Hasher,
		profile:    opts.Profile,
		maxRetries: opts.MaxRetries,
		hashWait:   opts.HashWait,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}, nil
}

// ForProfile returns a Resolver sharing this one's store and hasher but bound
// to another profile.
func (r *Resolver) ForProfile(profile string) *Resolver {
	if profile == "" || profile == r.profile {
		return r
	}
	clone := *r
	clone.profile = profile
	return &clone
}

// Profile returns the profile this resolver is bound to.
func (r *Resolver) Profile() string {
	return r.profile
}

// GetOrCreate returns the profile's identity, creating it on first use, and
// counts the visit. It never fails: when the store is unusable the caller
// gets an ephemeral identity that lives for this call only.
func (r *Resolver) GetOrCreate(ctx context.Context) ledger.UnifiedIdentity {
	identity, err := r.Update(ctx, func(u *ledger.UnifiedIdentity) (bool, error) {
		u.VisitCount++
		u.LastSeenAt = r.now()
		return true, nil
	})
	if err != nil {
		r.logger.Printf("[Identity] Warning: profile %s: %v; using ephemeral identity", r.profile, err)
		return r.ephemeral()
	}
	return identity
}

// Current returns the stored identity without modifying it.
// The boolean is false when the profile has no record or the store failed.
func (r *Resolver) Current(ctx context.Context) (ledger.UnifiedIdentity, bool) {
	rec, err := r.store.Load(ctx, r.profile)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Printf("[Identity] Warning: failed to load profile %s: %v", r.profile, err)
		}
		return ledger.UnifiedIdentity{}, false
	}
	return rec.Identity, true
}

// MergeResult reports what MergePII changed.
type MergeResult struct {
	Identity ledger.UnifiedIdentity
	Changed  []ledger.Field
	Skipped  []ledger.Field
	Pending  []ledger.Field
	TimedOut bool
}

// MergePII hashes the given fields and stores every match key whose digest
// differs from the stored one. Empty values are ignored, so a blank form field
// never erases a known key. Hashing waits at most the configured hash wait;
// fields still pending are left for a later merge.
func (r *Resolver) MergePII(ctx context.Context, fields map[ledger.Field]string) MergeResult {
	batch := r.hasher.HashAll(ctx, fields, r.hashWait)
	result := MergeResult{
		Skipped:  batch.Skipped,
		Pending:  batch.Pending,
		TimedOut: batch.TimedOut(),
	}

	apply := func(u *ledger.UnifiedIdentity) []ledger.Field {
		var changed []ledger.Field
		for _, field := range ledger.Fields() {
			hv, ok := batch.Keys[field]
			if !ok {
				continue
			}
			if existing, ok := u.MatchKeys[field]; ok && existing.DigestHex == hv.DigestHex {
				continue
			}
			u.MatchKeys[field] = hv
			changed = append(changed, field)
		}
		u.LastSeenAt = r.now()
		return changed
	}

	identity, err := r.Update(ctx, func(u *ledger.UnifiedIdentity) (bool, error) {
		result.Changed = apply(u)
		return true, nil
	})
	if err != nil {
		r.logger.Printf("[Identity] Warning: profile %s: failed to merge match keys: %v", r.profile, err)
		identity = r.ephemeral()
		result.Changed = apply(&identity)
	}

	result.Identity = identity
	return result
}

// Update applies fn under compare-and-set, creating the identity first if the
// profile is empty. fn may run several times and must only touch the copy it
// is given. The identity id can never be changed by fn.
func (r *Resolver) Update(ctx context.Context, fn Mutation) (ledger.UnifiedIdentity, error) {
	rec, err := r.loadOrCreate(ctx)
	if err != nil {
		return ledger.UnifiedIdentity{}, err
	}

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		next := rec.Identity.Clone()
		changed, err := fn(&next)
		if err != nil {
			return rec.Identity, err
		}
		if !changed {
			return rec.Identity, nil
		}
		if next.ID != rec.Identity.ID {
			return rec.Identity, fmt.Errorf("identity id %s is immutable", rec.Identity.ID)
		}

		written, swapped, err := r.store.CompareAndSwap(ctx, r.profile, rec.Generation, next)
		if err != nil {
			return ledger.UnifiedIdentity{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if swapped {
			return written.Identity, nil
		}

		if written.Generation == 0 {
			// Evicted underneath us; start again from an empty cell
			rec, err = r.loadOrCreate(ctx)
			if err != nil {
				return ledger.UnifiedIdentity{}, err
			}
			continue
		}
		rec = written
	}

	return rec.Identity, fmt.Errorf("%w: profile %s after %d attempts", ErrConflict, r.profile, r.maxRetries)
}

// Adopt installs a handed-off identity when the profile has none yet. When a
// local identity already exists it wins and is returned with false.
func (r *Resolver) Adopt(ctx context.Context, handed ledger.UnifiedIdentity) (ledger.UnifiedIdentity, bool) {
	next := handed.Clone()
	next.Ephemeral = false
	next.LastSeenAt = r.now()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = next.LastSeenAt
	}

	rec, swapped, err := r.store.CompareAndSwap(ctx, r.profile, 0, next)
	if err != nil {
		r.logger.Printf("[Identity] Warning: profile %s: failed to adopt %s: %v", r.profile, handed.ID, err)
		next.Ephemeral = true
		return next, false
	}
	if !swapped {
		if rec.Generation == 0 {
			return r.GetOrCreate(ctx), false
		}
		r.logger.Printf("[Identity] Profile %s keeps local identity %s over handed-off %s", r.profile, rec.Identity.ID, handed.ID)
		return rec.Identity, false
	}

	r.logger.Printf("[Identity] Profile %s adopted handed-off identity %s", r.profile, handed.ID)
	return rec.Identity, true
}

func (r *Resolver) loadOrCreate(ctx context.Context) (ledger.Record, error) {
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		rec, err := r.store.Load(ctx, r.profile)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return ledger.Record{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		fresh := ledger.NewIdentity(r.now())
		rec, swapped, err := r.store.CompareAndSwap(ctx, r.profile, 0, fresh)
		if err != nil {
			return ledger.Record{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if swapped {
			r.logger.Printf("[Identity] Created identity %s for profile %s", rec.Identity.ID, r.profile)
			return rec, nil
		}
		if rec.Generation > 0 {
			r.logger.Printf("[Identity] Lost creation race for profile %s, adopting %s", r.profile, rec.Identity.ID)
			return rec, nil
		}
	}
	return ledger.Record{}, fmt.Errorf("%w: could not create identity for profile %s", ErrConflict, r.profile)
}

func (r *Resolver) ephemeral() ledger.UnifiedIdentity {
	identity := ledger.NewIdentity(r.now())
	identity.VisitCount = 1
	identity.Ephemeral = true
	return identity
}

func (r *Resolver) now() time.Time {
	return r.clock().UTC()
}
