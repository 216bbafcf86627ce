package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const keyDomain = "spoor/event/v1"

// ExternalKeyPrefix marks idempotency keys supplied by the integrator, so they
// can never collide with derived keys.
const ExternalKeyPrefix = "ext:"

// Bucket returns the time bucket an instant falls in for a window of ttl.
func Bucket(at time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return at.UnixMilli() / ttl.Milliseconds()
}

// Key derives the idempotency key for (name, identityID, bucket).
// The same three inputs always give the same key.
func Key(name, identityID string, bucket int64) string {
	h := sha256.New()
	h.Write([]byte(keyDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(name))
	h.Write([]byte{0x00})
	h.Write([]byte(identityID))
	h.Write([]byte{0x00})
	h.Write([]byte(strconv.FormatInt(bucket, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// ExternalKey namespaces an integrator-supplied key. Returns "" for blank input.
func ExternalKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	return ExternalKeyPrefix + key
}
