package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between records and Redis hashes.
//
// The identity itself is JSON-encoded into one hash field so the persisted
// format matches the client-local blob; the generation lives in its own field
// so a WATCHed read can compare it without decoding the identity.

// RecordToHash converts a Record to a Redis hash.
func RecordToHash(r Record) (map[string]interface{}, error) {
	identityJSON, err := json.Marshal(r.Identity)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity: %w", err)
	}

	return map[string]interface{}{
		"record":     string(identityJSON),
		"generation": r.Generation,
	}, nil
}

// HashToRecord converts a Redis hash back to a Record.
func HashToRecord(hash map[string]string) (Record, error) {
	generation, err := strconv.ParseUint(hash["generation"], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid generation field: %w", err)
	}

	var identity UnifiedIdentity
	if err := json.Unmarshal([]byte(hash["record"]), &identity); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal identity: %w", err)
	}
	if identity.MatchKeys == nil {
		identity.MatchKeys = map[Field]HashedValue{}
	}

	return Record{Identity: identity, Generation: generation}, nil
}

// MarshalRecord encodes a record as the single namespaced JSON blob used by
// client-local stores.
func MarshalRecord(r Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return data, nil
}

// UnmarshalRecord decodes a client-local JSON blob.
func UnmarshalRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	if r.Identity.MatchKeys == nil {
		r.Identity.MatchKeys = map[Field]HashedValue{}
	}
	return r, nil
}
