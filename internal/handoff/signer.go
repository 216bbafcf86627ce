package handoff

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const signingDomain = "spoor/handoff/v1"

// MinSecretLength is the shortest accepted signing secret, in bytes.
const MinSecretLength = 16

// Signer produces and checks HMAC-SHA256 integrity tags over payloads.
type Signer struct {
	key []byte
}

// NewSigner creates a Signer. Both runtimes must share the secret.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("handoff secret must be at least %d bytes, got %d", MinSecretLength, len(secret))
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Signer{key: key}, nil
}

// signingString is the canonical form every field of the payload except the
// signature itself. Both sides must build it identically.
func signingString(p Payload) (string, error) {
	ctx, err := p.encodedContext()
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		signingDomain,
		p.IdentityID,
		p.SessionID,
		strconv.FormatInt(p.IssuedAt.Unix(), 10),
		strconv.FormatInt(p.ExpiresAt.Unix(), 10),
		ctx,
	}, "\n"), nil
}

// Sign returns the base64url signature for p.
func (s *Signer) Sign(p Payload) (string, error) {
	str, err := signingString(p)
	if err != nil {
		return "", err
	}
	sig, err := jwt.SigningMethodHS256.Sign(str, s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign handoff: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks p.Signature. Returns ErrInvalidHandoffSignature on mismatch.
func (s *Signer) Verify(p Payload) error {
	sig, err := base64.RawURLEncoding.DecodeString(p.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandoffSignature, err)
	}
	str, err := signingString(p)
	if err != nil {
		return err
	}
	if err := jwt.SigningMethodHS256.Verify(str, sig, s.key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandoffSignature, err)
	}
	return nil
}
