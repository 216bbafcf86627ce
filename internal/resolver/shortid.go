package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dyluth/spoor/internal/hoard"
	"github.com/dyluth/spoor/internal/identity"
	"github.com/dyluth/spoor/pkg/ledger"
)

// MinShortIDLength is the minimum required length for short ID prefixes,
// not counting the "spoor_" prefix.
const MinShortIDLength = 6

// Match is one profile whose identity ID starts with the requested prefix.
type Match struct {
	Profile    string
	IdentityID string
}

// ResolveIdentity finds the profile holding the identity whose ID starts with
// shortID. The "spoor_" prefix is optional.
// Returns the match if exactly one identity matches.
// Returns *NotFoundError or *AmbiguousError otherwise.
func ResolveIdentity(ctx context.Context, src hoard.Source, shortID string) (Match, error) {
	prefix := strings.TrimPrefix(shortID, ledger.IdentityIDPrefix)
	if len(prefix) < MinShortIDLength {
		return Match{}, fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(prefix))
	}
	full := ledger.IdentityIDPrefix + prefix

	profiles, err := src.Profiles(ctx)
	if err != nil {
		return Match{}, fmt.Errorf("failed to search for identity: %w", err)
	}

	var matches []Match
	for _, profile := range profiles {
		rec, err := src.Record(ctx, profile)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				continue
			}
			return Match{}, fmt.Errorf("failed to read identity for profile %s: %w", profile, err)
		}
		if strings.HasPrefix(rec.Identity.ID, full) {
			matches = append(matches, Match{Profile: profile, IdentityID: rec.Identity.ID})
		}
	}

	switch len(matches) {
	case 0:
		return Match{}, &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		// Several tabs can hold the same identity after a handoff
		if sameIdentity(matches) {
			return matches[0], nil
		}
		return Match{}, &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

func sameIdentity(matches []Match) bool {
	for _, m := range matches[1:] {
		if m.IdentityID != matches[0].IdentityID {
			return false
		}
	}
	return true
}

// NotFoundError indicates no identities matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no identities found matching '%s'", e.ShortID)
}

// AmbiguousError indicates several distinct identities matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []Match
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d identities", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError creates a user-friendly error message for ambiguous short IDs.
// Lists all matching identities (up to 10, then "...and N more").
func FormatAmbiguousError(err *AmbiguousError) string {
	msg := fmt.Sprintf("Error: ambiguous short ID '%s' matches %d identities:\n", err.ShortID, len(err.Matches))

	displayCount := min(len(err.Matches), 10)
	for i := 0; i < displayCount; i++ {
		msg += fmt.Sprintf("  %s (profile %s)\n", err.Matches[i].IdentityID, err.Matches[i].Profile)
	}

	if len(err.Matches) > 10 {
		msg += fmt.Sprintf("  ...and %d more\n", len(err.Matches)-10)
	}

	msg += "\nUse a longer prefix to uniquely identify the identity."
	return msg
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	var amb *AmbiguousError
	return errors.As(err, &amb)
}
