package hoard

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/spoor/pkg/ledger"
)

// FormatTable writes entries as a formatted table to the provided writer.
// The table includes columns: PROFILE, ID, VISITS, KEYS, VALUE, FIRST TOUCH and SEEN.
// Returns the number of entries formatted.
func FormatTable(w io.Writer, entries []Entry, namespace string) int {
	if len(entries) == 0 {
		fmt.Fprintf(w, "No identities found in namespace '%s'\n", namespace)
		return 0
	}

	fmt.Fprintf(w, "Identities in namespace '%s':\n\n", namespace)

	fmt.Fprintf(w, "%-16s %-14s %-6s %-14s %-5s %-20s %s\n",
		"PROFILE", "ID", "VISITS", "KEYS", "VALUE", "FIRST TOUCH", "SEEN")
	fmt.Fprintf(w, "%-16s %-14s %-6s %-14s %-5s %-20s %s\n",
		"----------------", "--------------", "------", "--------------", "-----", "--------------------", "--------")

	for _, e := range entries {
		id := e.Record.Identity
		fmt.Fprintf(w, "%-16s %-14s %-6d %-14s %-5d %-20s %s\n",
			formatProfile(e.Profile),
			formatID(id.ID),
			id.VisitCount,
			formatMatchKeys(id.MatchKeys),
			id.Attribution.ConversionValueCode,
			formatTouch(id.Attribution.FirstTouch),
			formatTimestamp(id.LastSeenAt),
		)
	}

	countMsg := "identity"
	if len(entries) != 1 {
		countMsg = "identities"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(entries), countMsg)

	return len(entries)
}

// FormatJSONL writes entries as line-delimited JSON (JSONL) to the provided writer.
// Each entry is written as a single JSON object on its own line.
func FormatJSONL(w io.Writer, entries []Entry) error {
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal identity to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes a single entry as pretty-printed JSON to the provided writer.
func FormatSingleJSON(w io.Writer, e Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

// formatID drops the identity prefix and keeps the first 8 characters of the UUID.
func formatID(id string) string {
	short := strings.TrimPrefix(id, ledger.IdentityIDPrefix)
	if len(short) > 8 {
		short = short[:8]
	}
	return ledger.IdentityIDPrefix + short
}

func formatProfile(profile string) string {
	if len(profile) > 16 {
		return profile[:13] + "..."
	}
	return profile
}

// formatMatchKeys lists the short keys of the hashed fields, e.g. "em,ph".
// Identities with no match keys return "-".
func formatMatchKeys(keys map[ledger.Field]ledger.HashedValue) string {
	if len(keys) == 0 {
		return "-"
	}
	short := make([]string, 0, len(keys))
	for field := range keys {
		short = append(short, field.ShortKey())
	}
	sort.Strings(short)
	out := strings.Join(short, ",")
	if len(out) > 14 {
		return out[:11] + "..."
	}
	return out
}

// formatTouch renders a touch as "source/medium", falling back to the click
// ID name or the referrer host when no UTM source was present.
func formatTouch(t *ledger.Touch) string {
	if t == nil {
		return "-"
	}
	var out string
	switch {
	case t.Source != "" && t.Medium != "":
		out = t.Source + "/" + t.Medium
	case t.Source != "":
		out = t.Source
	case len(t.ClickIDs) > 0:
		names := make([]string, 0, len(t.ClickIDs))
		for name := range t.ClickIDs {
			names = append(names, name)
		}
		sort.Strings(names)
		out = names[0]
	case t.Referrer != "":
		out = strings.TrimPrefix(strings.TrimPrefix(t.Referrer, "https://"), "http://")
	default:
		return "-"
	}
	if len(out) > 20 {
		return out[:17] + "..."
	}
	return out
}

// formatTimestamp shows relative time like "2m ago", "1h ago", etc.
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	diff := time.Since(t)

	if diff < time.Minute {
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	} else if diff < time.Hour {
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	} else if diff < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	} else {
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
