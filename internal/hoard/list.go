// Package hoard reads stored identity records for inspection from the CLI.
package hoard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/dyluth/spoor/internal/identity"
	"github.com/dyluth/spoor/pkg/ledger"
)

// OutputFormat specifies how to format the identity list output.
type OutputFormat string

const (
	// OutputFormatDefault uses a table format
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete records as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// Source is where identity records are read from. *tracker.Service satisfies it.
type Source interface {
	Record(ctx context.Context, profile string) (ledger.Record, error)
	Profiles(ctx context.Context) ([]string, error)
}

// Entry is one profile's stored record.
type Entry struct {
	Profile string        `json:"profile"`
	Record  ledger.Record `json:"record"`
}

// FilterCriteria defines filtering options for the list command.
// All filters are ANDed together.
type FilterCriteria struct {
	MinVisits    int64 // 0 = no filter
	MinValueCode int   // 0 = no filter
	Matched      bool  // Only identities with at least one match key
}

func (fc *FilterCriteria) matchesFilter(id ledger.UnifiedIdentity) bool {
	if fc.MinVisits > 0 && id.VisitCount < fc.MinVisits {
		return false
	}
	if fc.MinValueCode > 0 && id.Attribution.ConversionValueCode < fc.MinValueCode {
		return false
	}
	if fc.Matched && len(id.MatchKeys) == 0 {
		return false
	}
	return true
}

// ListIdentities loads every stored identity and writes them to w.
// Applies filter criteria if provided. Sorts by last-seen time, most recent
// first. Skips unreadable records with a warning to stderr but continues
// processing.
func ListIdentities(ctx context.Context, src Source, namespace string, format OutputFormat, filters *FilterCriteria, w io.Writer) error {
	profiles, err := src.Profiles(ctx)
	if err != nil {
		return fmt.Errorf("failed to list profiles: %w", err)
	}

	var entries []Entry
	for _, profile := range profiles {
		rec, err := src.Record(ctx, profile)
		if err != nil {
			// Evicted between listing and loading, or malformed
			if !errors.Is(err, identity.ErrNotFound) {
				fmt.Fprintf(os.Stderr, "⚠️  Skipping unreadable identity: profile=%s (error: %v)\n", profile, err)
			}
			continue
		}

		if filters != nil && !filters.matchesFilter(rec.Identity) {
			continue
		}

		entries = append(entries, Entry{Profile: profile, Record: rec})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Record.Identity.LastSeenAt.After(entries[j].Record.Identity.LastSeenAt)
	})

	switch format {
	case OutputFormatDefault:
		FormatTable(w, entries, namespace)
	case OutputFormatJSONL:
		if err := FormatJSONL(w, entries); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	return nil
}
