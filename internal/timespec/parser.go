package timespec

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Day is the length of the "d" unit accepted by ParseDuration.
const Day = 24 * time.Hour

// ParseDuration parses a Go duration with an optional leading day count:
// "30m", "1h30m", "7d", "2d12h". Negative durations are rejected.
func ParseDuration(spec string) (time.Duration, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var days time.Duration
	rest := spec
	if i := strings.IndexByte(spec, 'd'); i >= 0 {
		n, err := strconv.Atoi(spec[:i])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid day count in %q", spec)
		}
		days = time.Duration(n) * Day
		rest = spec[i+1:]
	}

	var d time.Duration
	if rest != "" {
		var err error
		d, err = time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", spec, err)
		}
	}

	total := days + d
	if total < 0 {
		return 0, fmt.Errorf("negative duration %q", spec)
	}
	return total, nil
}

// Parse parses a time specification into a Unix timestamp (milliseconds).
// Supports two formats:
//   - Durations: "1h", "30m", "1h30m", "7d", "2d12h"
//   - RFC3339 timestamps: "2025-10-29T13:00:00Z"
//
// Duration specifications are relative to now. For example, "1h" means
// "1 hour ago".
func Parse(spec string) (int64, error) {
	return parseAt(spec, time.Now())
}

func parseAt(spec string, now time.Time) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}

	if d, err := ParseDuration(spec); err == nil {
		return now.Add(-d).UnixMilli(), nil
	}

	return 0, fmt.Errorf("invalid time specification: %s (use duration like '1h30m', '7d' or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

// ParseRange parses both --since and --until flags into a time range.
// Returns (sinceTimestampMs, untilTimestampMs, error).
// Zero values indicate "no bound" for that end of the range.
//
// Validates that since < until if both are specified.
func ParseRange(since, until string) (int64, int64, error) {
	var sinceMS, untilMS int64
	var err error

	if since != "" {
		sinceMS, err = Parse(since)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid --since: %w", err)
		}
	}

	if until != "" {
		untilMS, err = Parse(until)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid --until: %w", err)
		}
	}

	if sinceMS > 0 && untilMS > 0 && sinceMS >= untilMS {
		return 0, 0, fmt.Errorf("--since must be before --until")
	}

	return sinceMS, untilMS, nil
}
