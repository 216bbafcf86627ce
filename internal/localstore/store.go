// Package localstore keeps a profile's identity record and dedup window in a
// local SQLite file, for deployments without Redis. One JSON blob per profile,
// guarded by the same generation counter as the Redis ledger.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dyluth/spoor/internal/identity"
	"github.com/dyluth/spoor/pkg/ledger"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
    profile TEXT PRIMARY KEY,
    record TEXT NOT NULL,
    generation INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS dedup_keys (
    key TEXT PRIMARY KEY,
    recorded_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS dedup_keys_expires_at ON dedup_keys (expires_at);
`

// Store persists identity records and dedup keys in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (creating if needed) the SQLite file at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Load returns the profile's record or identity.ErrNotFound.
func (s *Store) Load(ctx context.Context, profile string) (ledger.Record, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Record{}, err
	}

	var (
		blob       string
		generation int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT record, generation FROM identities WHERE profile = ?`, profile,
	).Scan(&blob, &generation)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Record{}, identity.ErrNotFound
	}
	if err != nil {
		return ledger.Record{}, fmt.Errorf("load identity: %w", err)
	}

	rec, err := ledger.UnmarshalRecord([]byte(blob))
	if err != nil {
		return ledger.Record{}, fmt.Errorf("decode identity: %w", err)
	}
	rec.Generation = uint64(generation)
	return rec, nil
}

// CompareAndSwap writes next if the stored generation equals expected.
// Creation uses INSERT OR IGNORE and updates use WHERE generation = ?, so
// concurrent processes sharing the file see exactly one winner.
func (s *Store) CompareAndSwap(ctx context.Context, profile string, expected uint64, next ledger.UnifiedIdentity) (ledger.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Record{}, false, err
	}
	if err := next.Validate(); err != nil {
		return ledger.Record{}, false, fmt.Errorf("refusing to store invalid identity: %w", err)
	}

	candidate := ledger.Record{Identity: next, Generation: expected + 1}
	candidate.Identity.Ephemeral = false
	blob, err := ledger.MarshalRecord(candidate)
	if err != nil {
		return ledger.Record{}, false, fmt.Errorf("encode identity: %w", err)
	}

	var res sql.Result
	if expected == 0 {
		res, err = s.sqlDB.ExecContext(ctx,
			`INSERT OR IGNORE INTO identities (profile, record, generation, updated_at) VALUES (?, ?, ?, ?)`,
			profile, string(blob), int64(candidate.Generation), time.Now().UTC().UnixMilli(),
		)
	} else {
		res, err = s.sqlDB.ExecContext(ctx,
			`UPDATE identities SET record = ?, generation = ?, updated_at = ? WHERE profile = ? AND generation = ?`,
			string(blob), int64(candidate.Generation), time.Now().UTC().UnixMilli(), profile, int64(expected),
		)
	}
	if err != nil {
		return ledger.Record{}, false, fmt.Errorf("write identity: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return ledger.Record{}, false, fmt.Errorf("write identity: %w", err)
	}
	if affected == 1 {
		return candidate, true, nil
	}

	current, err := s.Load(ctx, profile)
	if errors.Is(err, identity.ErrNotFound) {
		return ledger.Record{}, false, nil
	}
	if err != nil {
		return ledger.Record{}, false, err
	}
	return current, false, nil
}

// ListProfiles returns every profile with a stored identity, sorted.
func (s *Store) ListProfiles(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT profile FROM identities ORDER BY profile`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var profiles []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("list identities: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// Claim records key until at+ttl. It returns true when the key was absent or
// expired. The upsert is a single statement, so the check and the write
// cannot interleave with another writer on the same file.
func (s *Store) Claim(ctx context.Context, key string, at time.Time, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := at.UTC().UnixMilli()
	res, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO dedup_keys (key, recorded_at, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET recorded_at = excluded.recorded_at, expires_at = excluded.expires_at
		 WHERE dedup_keys.expires_at <= excluded.recorded_at`,
		key, now, now+ttl.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("claim dedup key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim dedup key: %w", err)
	}
	return affected == 1, nil
}

// Seen reports whether key is recorded and unexpired at at.
func (s *Store) Seen(ctx context.Context, key string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var n int
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM dedup_keys WHERE key = ? AND expires_at > ?`,
		key, at.UTC().UnixMilli(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check dedup key: %w", err)
	}
	return n > 0, nil
}

// Sweep deletes dedup keys that expired before at.
func (s *Store) Sweep(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM dedup_keys WHERE expires_at <= ?`, at.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep dedup keys: %w", err)
	}
	return res.RowsAffected()
}
