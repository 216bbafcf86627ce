package ledger

import "fmt"

// Redis key pattern helpers
//
// Key pattern: spoor:{namespace}:{entity}:{id}
// Channel pattern: spoor:{namespace}:{event_type}_events

// IdentityKey returns the Redis key for a profile's identity record.
// Pattern: spoor:{namespace}:identity:{profile}
func IdentityKey(namespace, profile string) string {
	return fmt.Sprintf("spoor:%s:identity:%s", namespace, profile)
}

// DedupKey returns the Redis key for an event idempotency marker.
// Pattern: spoor:{namespace}:dedup:{idempotency_key}
func DedupKey(namespace, idempotencyKey string) string {
	return fmt.Sprintf("spoor:%s:dedup:%s", namespace, idempotencyKey)
}

// HandoffKey returns the Redis key marking a handoff payload as consumed.
// Pattern: spoor:{namespace}:handoff:{session_id}:{issued_at}
func HandoffKey(namespace, sessionID string, issuedAt int64) string {
	return fmt.Sprintf("spoor:%s:handoff:%s:%d", namespace, sessionID, issuedAt)
}

// DispatchEventsChannel returns the Pub/Sub channel for dispatch results.
// Pattern: spoor:{namespace}:dispatch_events
func DispatchEventsChannel(namespace string) string {
	return fmt.Sprintf("spoor:%s:dispatch_events", namespace)
}
