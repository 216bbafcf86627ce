package hoard

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dyluth/spoor/internal/identity"
)

// GetIdentity loads one profile's record and writes it as pretty-printed JSON.
// Returns *IdentityNotFoundError when the profile has no record.
func GetIdentity(ctx context.Context, src Source, profile string, w io.Writer) error {
	rec, err := src.Record(ctx, profile)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return &IdentityNotFoundError{Profile: profile}
		}
		return fmt.Errorf("failed to fetch identity: %w", err)
	}

	if err := FormatSingleJSON(w, Entry{Profile: profile, Record: rec}); err != nil {
		return fmt.Errorf("failed to format identity: %w", err)
	}
	return nil
}

// IdentityNotFoundError represents a specific "no identity for profile" error.
type IdentityNotFoundError struct {
	Profile string
}

func (e *IdentityNotFoundError) Error() string {
	if e.Profile == "" {
		return "no identity stored for the default profile"
	}
	return fmt.Sprintf("no identity stored for profile '%s'", e.Profile)
}

// IsNotFound returns true if the error is an IdentityNotFoundError.
func IsNotFound(err error) bool {
	var nf *IdentityNotFoundError
	return errors.As(err, &nf)
}
