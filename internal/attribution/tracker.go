// Package attribution keeps first/last-touch campaign context on an identity
// and maps lifecycle events to a bounded, monotonic conversion-value code.
package attribution

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/dyluth/spoor/internal/identity"
	"github.com/dyluth/spoor/pkg/ledger"
)

// DefaultResetEvent clears the stored conversion-value code.
const DefaultResetEvent = "Conversion_Value_Reset"

// Updater applies a compare-and-set mutation to one profile's identity.
// *identity.Resolver satisfies it.
type Updater interface {
	Update(ctx context.Context, fn identity.Mutation) (ledger.UnifiedIdentity, error)
}

// Options configures a Tracker.
type Options struct {
	Table      *Table
	ResetEvent string
	Clock      func() time.Time
	Logger     *log.Logger
}

// Tracker applies attribution rules to identities. It holds no per-identity
// state; every change goes through the Updater.
type Tracker struct {
	table      *Table
	resetEvent string
	clock      func() time.Time
	logger     *log.Logger
}

// NewTracker creates a Tracker, using the default table when none is given.
func NewTracker(opts Options) *Tracker {
	if opts.Table == nil {
		opts.Table = DefaultTable()
	}
	if opts.ResetEvent == "" {
		opts.ResetEvent = DefaultResetEvent
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Tracker{
		table:      opts.Table,
		resetEvent: opts.ResetEvent,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
}

// RecordTouch sets the first touch if unset and always replaces the last touch.
// A nil touch changes nothing and returns the current context.
func (t *Tracker) RecordTouch(ctx context.Context, u Updater, touch *ledger.Touch) (ledger.AttributionContext, error) {
	updated, err := u.Update(ctx, func(id *ledger.UnifiedIdentity) (bool, error) {
		if touch == nil {
			return false, nil
		}
		if id.Attribution.FirstTouch == nil {
			id.Attribution.FirstTouch = touch.Clone()
		}
		id.Attribution.LastTouch = touch.Clone()
		return true, nil
	})
	if err != nil {
		return ledger.AttributionContext{}, err
	}
	return updated.Attribution, nil
}

// Code returns the candidate code for an event without touching any identity.
// The same inputs always yield the same code.
func (t *Tracker) Code(name string, props map[string]any) int {
	if name == t.resetEvent {
		return 0
	}
	return t.table.Code(name, props)
}

// Apply stores max(existing, candidate) on the identity and returns the stored
// code. The reset event is the only way to lower it.
func (t *Tracker) Apply(ctx context.Context, u Updater, name string, props map[string]any) (int, error) {
	candidate := t.Code(name, props)
	reset := name == t.resetEvent
	changed := false

	updated, err := u.Update(ctx, func(id *ledger.UnifiedIdentity) (bool, error) {
		current := id.Attribution.ConversionValueCode
		changed = false
		switch {
		case reset && current != 0:
			id.Attribution.ConversionValueCode = 0
		case !reset && candidate > current:
			id.Attribution.ConversionValueCode = candidate
		default:
			return false, nil
		}
		id.Attribution.CodeUpdatedAt = t.clock().UTC()
		changed = true
		return true, nil
	})
	if err != nil {
		return candidate, err
	}

	stored := updated.Attribution.ConversionValueCode
	if changed {
		t.logger.Printf("[Attribution] Conversion value %d for %s (%s)", stored, updated.ID, name)
	}
	return stored, nil
}

// ApplyTo updates an identity value in place with the same rules as Apply.
// Used for ephemeral identities that have no backing store.
func (t *Tracker) ApplyTo(id *ledger.UnifiedIdentity, touch *ledger.Touch, name string, props map[string]any) int {
	if touch != nil {
		if id.Attribution.FirstTouch == nil {
			id.Attribution.FirstTouch = touch.Clone()
		}
		id.Attribution.LastTouch = touch.Clone()
	}
	candidate := t.Code(name, props)
	if name == t.resetEvent {
		id.Attribution.ConversionValueCode = 0
	} else if candidate > id.Attribution.ConversionValueCode {
		id.Attribution.ConversionValueCode = candidate
	}
	return id.Attribution.ConversionValueCode
}
