// Package watch streams dispatch results published by running trackers.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dyluth/spoor/internal/filter"
	"github.com/dyluth/spoor/pkg/ledger"
)

// OutputFormat specifies how each dispatch result is rendered.
type OutputFormat string

const (
	// OutputFormatDefault prints one summary line per result plus one line per sink
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON prints each result as line-delimited JSON
	OutputFormatJSON OutputFormat = "json"
)

// ParseFormat validates a --output flag value.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, OutputFormatJSON:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format: %s", s)
}

// Source yields dispatch results. *ledger.Subscription satisfies it.
type Source interface {
	Events() <-chan *ledger.DispatchResult
	Errors() <-chan error
}

// Stream writes every result matching criteria until ctx is cancelled or the
// source closes. Subscription errors are reported on stderr and skipped.
// Returns the number of results written.
func Stream(ctx context.Context, src Source, criteria *filter.Criteria, format OutputFormat, w io.Writer) (int, error) {
	if criteria != nil {
		if err := criteria.Compile(); err != nil {
			return 0, err
		}
	}

	written := 0
	events, errs := src.Events(), src.Errors()
	for {
		select {
		case <-ctx.Done():
			return written, nil

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(os.Stderr, "⚠️  Skipping dispatch result: %v\n", err)

		case result, ok := <-events:
			if !ok {
				return written, nil
			}
			if criteria != nil && !criteria.Matches(result) {
				continue
			}
			if err := Format(w, result, format); err != nil {
				return written, err
			}
			written++
		}
	}
}

// Format writes one result in the requested format.
func Format(w io.Writer, r *ledger.DispatchResult, format OutputFormat) error {
	switch format {
	case OutputFormatJSON:
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal dispatch result to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSON output: %w", err)
		}
		return nil
	case OutputFormatDefault, "":
		_, err := io.WriteString(w, formatDefault(r))
		return err
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

func formatDefault(r *ledger.DispatchResult) string {
	var b strings.Builder

	icon := "✅"
	switch {
	case r.Failed > 0 && r.Delivered > 0:
		icon = "⚠️"
	case r.Failed > 0:
		icon = "❌"
	case r.Delivered == 0:
		icon = "⏭️"
	}

	fmt.Fprintf(&b, "[%s] %s %s value=%d delivered=%d failed=%d key=%s identity=%s\n",
		formatTimestamp(r.DispatchedAtMs), icon, r.EventName, r.ValueCode,
		r.Delivered, r.Failed, formatKey(r.IdempotencyKey), r.IdentityID)

	for _, o := range r.Outcomes {
		switch {
		case o.Skipped:
			fmt.Fprintf(&b, "    %-12s skipped\n", o.Sink)
		case o.Delivered():
			fmt.Fprintf(&b, "    %-12s ok     %s %s\n", o.Sink, formatAttempts(o.Attempts), formatDuration(o.DurationMs))
		default:
			fmt.Fprintf(&b, "    %-12s failed %s: %s\n", o.Sink, formatAttempts(o.Attempts), o.Error)
		}
	}
	return b.String()
}

// formatKey shortens derived digests for display. External keys are shown in
// full since integrators search for them.
func formatKey(key string) string {
	if strings.HasPrefix(key, "ext:") || len(key) <= 12 {
		return key
	}
	return key[:12]
}

func formatAttempts(n int) string {
	if n == 1 {
		return "1 attempt"
	}
	return fmt.Sprintf("%d attempts", n)
}

func formatDuration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

func formatTimestamp(ms int64) string {
	if ms == 0 {
		return "--:--:--"
	}
	return time.UnixMilli(ms).UTC().Format("15:04:05")
}
