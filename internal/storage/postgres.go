package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/tagvault/pkg/models"
)

// PostgresBackend is a Backend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// --- Secret tags ---

func (p *PostgresBackend) CreateTag(ctx context.Context, tag *models.SecretTag) error {
	ct, err := p.pool.Exec(ctx,
		`INSERT INTO secret_tags (tag_id, user_id, salt, envelope, verifier, name, color, security_level, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (tag_id) DO NOTHING`,
		tag.TagID, tag.UserID, tag.Salt, tag.Envelope, tag.Verifier,
		tag.Name, tag.Color, string(tag.SecurityLevel), tag.Active, tag.CreatedAt, tag.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting tag: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (p *PostgresBackend) GetTag(ctx context.Context, tagID []byte) (*models.SecretTag, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT tag_id, user_id, salt, envelope, verifier, name, color, security_level, active, created_at, updated_at
		 FROM secret_tags WHERE tag_id = $1`,
		tagID,
	)
	return scanTag(row)
}

func (p *PostgresBackend) GetTagByName(ctx context.Context, userID, name string) (*models.SecretTag, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT tag_id, user_id, salt, envelope, verifier, name, color, security_level, active, created_at, updated_at
		 FROM secret_tags WHERE user_id = $1 AND LOWER(name) = LOWER($2)`,
		userID, name,
	)
	return scanTag(row)
}

func scanTag(row pgx.Row) (*models.SecretTag, error) {
	var t models.SecretTag
	var level string
	err := row.Scan(&t.TagID, &t.UserID, &t.Salt, &t.Envelope, &t.Verifier,
		&t.Name, &t.Color, &level, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.SecurityLevel = models.SecurityLevel(level)
	return &t, nil
}

func (p *PostgresBackend) ListTags(ctx context.Context, userID string) ([]*models.SecretTag, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT tag_id, user_id, salt, envelope, verifier, name, color, security_level, active, created_at, updated_at
		 FROM secret_tags WHERE user_id = $1 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tags []*models.SecretTag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (p *PostgresBackend) UpdateTagMeta(ctx context.Context, tagID []byte, name, color *string) error {
	ct, err := p.pool.Exec(ctx,
		`UPDATE secret_tags
		 SET name = COALESCE($2, name), color = COALESCE($3, color), updated_at = NOW()
		 WHERE tag_id = $1`,
		tagID, name, color,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) SetTagActive(ctx context.Context, tagID []byte, active bool) error {
	ct, err := p.pool.Exec(ctx,
		`UPDATE secret_tags SET active = $2, updated_at = NOW() WHERE tag_id = $1`,
		tagID, active,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) DeleteTag(ctx context.Context, tagID []byte) error {
	ct, err := p.pool.Exec(ctx, `DELETE FROM secret_tags WHERE tag_id = $1`, tagID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Wrapped keys ---

func (p *PostgresBackend) CreateWrappedKey(ctx context.Context, wk *models.WrappedKey) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO wrapped_keys (tag_id, vault_id, wrapped, created_at) VALUES ($1, $2, $3, $4)`,
		wk.TagID, wk.VaultID, wk.Wrapped, wk.CreatedAt,
	)
	return err
}

func (p *PostgresBackend) ListWrappedKeys(ctx context.Context, tagID []byte) ([]*models.WrappedKey, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT ON (vault_id) tag_id, vault_id, wrapped, created_at
		 FROM wrapped_keys WHERE tag_id = $1
		 ORDER BY vault_id, created_at DESC`,
		tagID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []*models.WrappedKey
	for rows.Next() {
		var wk models.WrappedKey
		if err := rows.Scan(&wk.TagID, &wk.VaultID, &wk.Wrapped, &wk.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, &wk)
	}
	return keys, rows.Err()
}

func (p *PostgresBackend) DeleteWrappedKeysForTag(ctx context.Context, tagID []byte) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM wrapped_keys WHERE tag_id = $1`, tagID)
	return err
}

func (p *PostgresBackend) DeleteWrappedKeysForVault(ctx context.Context, vaultID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM wrapped_keys WHERE vault_id = $1`, vaultID)
	return err
}

func (p *PostgresBackend) UserOwnsVault(ctx context.Context, userID, vaultID string) (bool, error) {
	var owns bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM wrapped_keys wk
		   JOIN secret_tags st ON st.tag_id = wk.tag_id
		   WHERE st.user_id = $1 AND wk.vault_id = $2
		 )`,
		userID, vaultID,
	).Scan(&owns)
	return owns, err
}

// --- Vault blobs ---

// PutBlob upserts. Objects are immutable except via full replace, so a
// conflicting write swaps in the new IV and ciphertext wholesale.
func (p *PostgresBackend) PutBlob(ctx context.Context, blob *models.VaultBlob) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO vault_blobs (vault_id, object_id, iv, ciphertext, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (vault_id, object_id) DO UPDATE SET
		   iv = excluded.iv, ciphertext = excluded.ciphertext, created_at = excluded.created_at`,
		blob.VaultID, blob.ObjectID, blob.IV, blob.Ciphertext, blob.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storing blob: %w", err)
	}
	return nil
}

func (p *PostgresBackend) GetBlob(ctx context.Context, vaultID, objectID string) (*models.VaultBlob, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT vault_id, object_id, iv, ciphertext, created_at
		 FROM vault_blobs WHERE vault_id = $1 AND object_id = $2`,
		vaultID, objectID,
	)
	var b models.VaultBlob
	err := row.Scan(&b.VaultID, &b.ObjectID, &b.IV, &b.Ciphertext, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (p *PostgresBackend) ListBlobs(ctx context.Context, vaultID string) ([]*models.VaultBlob, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT vault_id, object_id, iv, ciphertext, created_at
		 FROM vault_blobs WHERE vault_id = $1 ORDER BY created_at`,
		vaultID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var blobs []*models.VaultBlob
	for rows.Next() {
		var b models.VaultBlob
		if err := rows.Scan(&b.VaultID, &b.ObjectID, &b.IV, &b.Ciphertext, &b.CreatedAt); err != nil {
			return nil, err
		}
		blobs = append(blobs, &b)
	}
	return blobs, rows.Err()
}

func (p *PostgresBackend) DeleteBlob(ctx context.Context, vaultID, objectID string) error {
	ct, err := p.pool.Exec(ctx,
		`DELETE FROM vault_blobs WHERE vault_id = $1 AND object_id = $2`,
		vaultID, objectID,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) DeleteVault(ctx context.Context, vaultID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM vault_blobs WHERE vault_id = $1`, vaultID)
	return err
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_log (request_id, timestamp, operation, path, tag_id, fingerprint_hash, status, response_code, response_time_ms, client_ip, metadata)
		 VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.RequestID, entry.Timestamp, entry.Operation, entry.Path, entry.TagID,
		entry.FingerprintHash, entry.Status, entry.ResponseCode, entry.ResponseTimeMs,
		entry.ClientIP, metaJSON,
	)
	return err
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, request_id, timestamp, operation, path, tag_id, fingerprint_hash, status, response_code, response_time_ms, client_ip, metadata FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.Path != "" {
		fmt.Fprintf(&query, ` AND path LIKE $%d`, n)
		args = append(args, filter.Path+"%")
		n++
	}
	if filter.TagID != "" {
		fmt.Fprintf(&query, ` AND tag_id = $%d`, n)
		args = append(args, filter.TagID)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.Operation, &e.Path,
			&e.TagID, &e.FingerprintHash, &e.Status, &e.ResponseCode, &e.ResponseTimeMs,
			&e.ClientIP, &metaJSON); err != nil {
			return nil, err
		}
		json.Unmarshal(metaJSON, &e.Metadata) //nolint:errcheck
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- Metrics ---

func (p *PostgresBackend) CountTags(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM secret_tags`).Scan(&count)
	return count, err
}

func (p *PostgresBackend) CountBlobs(ctx context.Context) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM vault_blobs`).Scan(&count)
	return count, err
}
