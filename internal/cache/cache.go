// Package cache is the device-local tag cache backing offline verification.
// It holds only material that is useless without the phrase: salts,
// envelopes, and wrapped vault keys. Rows carry a sync timestamp and expire
// after the configured maximum age.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/org/tagvault/internal/clockx"
	"github.com/org/tagvault/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS cached_tags (
	tag_id         TEXT PRIMARY KEY,
	salt           BLOB NOT NULL,
	envelope       BLOB NOT NULL,
	name           TEXT NOT NULL,
	security_level TEXT NOT NULL,
	active         INTEGER NOT NULL,
	synced_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cached_wrapped_keys (
	tag_id   TEXT NOT NULL,
	vault_id TEXT NOT NULL,
	wrapped  BLOB NOT NULL,
	PRIMARY KEY (tag_id, vault_id)
);
`

// Store is the SQLite-backed cache. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	maxAge time.Duration
	clock  clockx.Clock
}

// Open creates or opens the cache file with owner-only permissions.
func Open(path string, maxAge time.Duration, clock clockx.Clock) (*Store, error) {
	if clock == nil {
		clock = clockx.Real{}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing cache schema: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("restricting cache permissions: %w", err)
	}
	return &Store{db: db, maxAge: maxAge, clock: clock}, nil
}

// Reconcile replaces the cached candidate set with the server's. Rows for
// tags the server no longer knows are dropped, wrapped keys included.
func (s *Store) Reconcile(ctx context.Context, cands []models.AuthCandidate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reconciling cache: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now().Unix()
	keep := make(map[string]struct{}, len(cands))
	for _, c := range cands {
		keep[c.TagID] = struct{}{}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cached_tags (tag_id, salt, envelope, name, security_level, active, synced_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (tag_id) DO UPDATE SET
			   salt = excluded.salt, envelope = excluded.envelope, name = excluded.name,
			   security_level = excluded.security_level, active = excluded.active,
			   synced_at = excluded.synced_at`,
			c.TagID, c.Salt, c.Envelope, c.Name, c.SecurityLevel, boolInt(c.Active), now,
		)
		if err != nil {
			return fmt.Errorf("reconciling cache: %w", err)
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT tag_id FROM cached_tags`)
	if err != nil {
		return fmt.Errorf("reconciling cache: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("reconciling cache: %w", err)
		}
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reconciling cache: %w", err)
	}
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cached_tags WHERE tag_id = ?`, id); err != nil {
			return fmt.Errorf("reconciling cache: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cached_wrapped_keys WHERE tag_id = ?`, id); err != nil {
			return fmt.Errorf("reconciling cache: %w", err)
		}
	}
	return tx.Commit()
}

// PutWrappedKeys stores the wrapped vault keys released for a tag during a
// successful online authentication.
func (s *Store) PutWrappedKeys(ctx context.Context, tagID string, keys []models.WrappedKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("caching wrapped keys: %w", err)
	}
	defer tx.Rollback()
	for _, wk := range keys {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO cached_wrapped_keys (tag_id, vault_id, wrapped) VALUES (?, ?, ?)
			 ON CONFLICT (tag_id, vault_id) DO UPDATE SET wrapped = excluded.wrapped`,
			tagID, wk.VaultID, wk.Wrapped,
		)
		if err != nil {
			return fmt.Errorf("caching wrapped keys: %w", err)
		}
	}
	return tx.Commit()
}

// Candidates returns cached candidates that are still within the maximum
// age. Stale rows are skipped, not deleted; PurgeExpired handles removal.
func (s *Store) Candidates(ctx context.Context) ([]models.AuthCandidate, error) {
	cutoff := s.cutoff()
	rows, err := s.db.QueryContext(ctx,
		`SELECT tag_id, salt, envelope, name, security_level, active FROM cached_tags
		 WHERE synced_at >= ? ORDER BY name`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("reading cached candidates: %w", err)
	}
	defer rows.Close()

	var out []models.AuthCandidate
	for rows.Next() {
		var c models.AuthCandidate
		var active int
		if err := rows.Scan(&c.TagID, &c.Salt, &c.Envelope, &c.Name, &c.SecurityLevel, &active); err != nil {
			return nil, fmt.Errorf("reading cached candidates: %w", err)
		}
		c.Active = active != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// WrappedKeys returns the cached wrapped keys for a tag.
func (s *Store) WrappedKeys(ctx context.Context, tagID string) ([]models.WrappedKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vault_id, wrapped FROM cached_wrapped_keys WHERE tag_id = ?`, tagID)
	if err != nil {
		return nil, fmt.Errorf("reading cached wrapped keys: %w", err)
	}
	defer rows.Close()
	var out []models.WrappedKey
	for rows.Next() {
		var wk models.WrappedKey
		if err := rows.Scan(&wk.VaultID, &wk.Wrapped); err != nil {
			return nil, fmt.Errorf("reading cached wrapped keys: %w", err)
		}
		out = append(out, wk)
	}
	return out, rows.Err()
}

// PurgeExpired removes rows past the maximum age and returns how many tags
// were dropped.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_wrapped_keys WHERE tag_id IN
		   (SELECT tag_id FROM cached_tags WHERE synced_at < ?)`, s.cutoff())
	if err != nil {
		return 0, fmt.Errorf("purging expired cache rows: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM cached_tags WHERE synced_at < ?`, s.cutoff())
	if err != nil {
		return 0, fmt.Errorf("purging expired cache rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeAll wipes the cache completely. Used on border-crossing entry and
// panic invalidation.
func (s *Store) PurgeAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cached_wrapped_keys`); err != nil {
		return fmt.Errorf("purging cache: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cached_tags`); err != nil {
		return fmt.Errorf("purging cache: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) cutoff() int64 {
	if s.maxAge <= 0 {
		return 0
	}
	return s.clock.Now().Add(-s.maxAge).Unix()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
