package filter

import (
	"fmt"

	"github.com/dyluth/spoor/pkg/ledger"
	"github.com/gobwas/glob"
)

// Criteria defines filtering criteria for dispatch results.
// All filters are ANDed together - a result must match ALL criteria to pass.
type Criteria struct {
	SinceTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	UntilTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	EventGlob        string // Glob pattern for event name, empty = no filter
	Sink             string // Exact sink name that must have been attempted, empty = no filter
	FailedOnly       bool   // Only results where at least one sink failed

	event glob.Glob
}

// Compile prepares the event pattern. It must be called before Matches when
// EventGlob is set.
func (c *Criteria) Compile() error {
	if c.EventGlob == "" {
		c.event = nil
		return nil
	}
	g, err := glob.Compile(c.EventGlob)
	if err != nil {
		return fmt.Errorf("invalid event pattern %q: %w", c.EventGlob, err)
	}
	c.event = g
	return nil
}

// Matches returns true if the result matches all filter criteria.
// Empty/zero criteria values are treated as "match all" for that criterion.
func (c *Criteria) Matches(r *ledger.DispatchResult) bool {
	if c.SinceTimestampMs > 0 && r.DispatchedAtMs < c.SinceTimestampMs {
		return false
	}
	if c.UntilTimestampMs > 0 && r.DispatchedAtMs > c.UntilTimestampMs {
		return false
	}

	if c.EventGlob != "" {
		if c.event == nil && c.Compile() != nil {
			return false
		}
		if !c.event.Match(r.EventName) {
			return false
		}
	}

	if c.Sink != "" && !attempted(r, c.Sink) {
		return false
	}

	if c.FailedOnly && r.Failed == 0 {
		return false
	}

	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return c.SinceTimestampMs > 0 ||
		c.UntilTimestampMs > 0 ||
		c.EventGlob != "" ||
		c.Sink != "" ||
		c.FailedOnly
}

func attempted(r *ledger.DispatchResult, sink string) bool {
	for _, o := range r.Outcomes {
		if o.Sink == sink && !o.Skipped {
			return true
		}
	}
	return false
}
