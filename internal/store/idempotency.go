package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/models"
)

// CreateIdempotencyRecord inserts a record for first sight of a key.
// Returns false without error when a concurrent request already claimed the
// (tenant_id, key) pair; the primary key is the only mutual-exclusion
// primitive the ledger relies on.
func (s *Store) CreateIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_records (tenant_id, key, method, path, body_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id, key) DO NOTHING
	`, rec.TenantID, rec.Key, rec.Method, rec.Path, rec.BodyHash)
	if err != nil {
		return false, fmt.Errorf("insert idempotency record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetIdempotencyRecord fetches the record for a (tenant, key) pair.
func (s *Store) GetIdempotencyRecord(ctx context.Context, tenantID, key string) (*models.IdempotencyRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, key, method, path, body_hash, response_status, response_body, created_at
		FROM idempotency_records WHERE tenant_id = $1 AND key = $2
	`, tenantID, key)

	var rec models.IdempotencyRecord
	var status pgtype.Int4
	err := row.Scan(&rec.TenantID, &rec.Key, &rec.Method, &rec.Path, &rec.BodyHash, &status, &rec.ResponseBody, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("idempotency record %s/%s: %w", tenantID, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan idempotency record: %w", err)
	}
	if status.Valid {
		v := int(status.Int32)
		rec.ResponseStatus = &v
	}
	return &rec, nil
}

// SetIdempotencyResponse stores the guarded operation's response exactly
// once; later writes are no-ops because the guard only matches rows with no
// response yet.
func (s *Store) SetIdempotencyResponse(ctx context.Context, tenantID, key string, status int, body []byte) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET response_status = $3, response_body = $4
		WHERE tenant_id = $1 AND key = $2 AND response_status IS NULL
	`, tenantID, key, status, body)
	if err != nil {
		return fmt.Errorf("store idempotency response: %w", err)
	}
	return nil
}
