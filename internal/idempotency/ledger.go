// Package idempotency guards mutation requests so a client-supplied key
// yields at-most-one side-effecting execution under concurrent retries.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/models"
)

// ErrKeyConflict means the key is being reused for a different request body.
// Surfaced to the client as a rejection, never retried.
var ErrKeyConflict = errors.New("idempotency key reused with a different request body")

// RecordStore is the relational persistence the ledger relies on. The
// uniqueness constraint on (tenant_id, key) is the only mutual-exclusion
// primitive; there is no separate lock.
type RecordStore interface {
	CreateIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) (bool, error)
	GetIdempotencyRecord(ctx context.Context, tenantID, key string) (*models.IdempotencyRecord, error)
	SetIdempotencyResponse(ctx context.Context, tenantID, key string, status int, body []byte) error
}

// Outcome is the replay-or-proceed decision for one guarded request.
type Outcome struct {
	// Replay is true when a stored response must be returned without
	// executing the guarded operation.
	Replay bool
	Status int
	Body   []byte
}

// Ledger records in-flight and completed mutations per (tenant, key).
type Ledger struct {
	store RecordStore
}

// NewLedger builds a ledger over the given record store.
func NewLedger(store RecordStore) *Ledger {
	return &Ledger{store: store}
}

// HashBody returns the hex SHA-256 of a request body.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Begin decides whether a request may proceed. First sight of a key creates
// the record optimistically; losing the creation race falls through to a
// re-read of the winner's record. A stored response replays; a matching
// record with no response yet proceeds (the in-flight race is accepted).
func (l *Ledger) Begin(ctx context.Context, tenantID, key, method, path, bodyHash string) (Outcome, error) {
	created, err := l.store.CreateIdempotencyRecord(ctx, &models.IdempotencyRecord{
		TenantID: tenantID,
		Key:      key,
		Method:   method,
		Path:     path,
		BodyHash: bodyHash,
	})
	if err != nil {
		return Outcome{}, err
	}
	if created {
		return Outcome{}, nil
	}

	rec, err := l.store.GetIdempotencyRecord(ctx, tenantID, key)
	if err != nil {
		return Outcome{}, err
	}
	if rec.BodyHash != bodyHash {
		return Outcome{}, fmt.Errorf("%w: key %s", ErrKeyConflict, key)
	}
	if rec.HasResponse() {
		return Outcome{Replay: true, Status: *rec.ResponseStatus, Body: rec.ResponseBody}, nil
	}
	return Outcome{}, nil
}

// Finish stores the guarded operation's response. The underlying update only
// matches rows with no response yet, so the snapshot is written exactly once.
func (l *Ledger) Finish(ctx context.Context, tenantID, key string, status int, body []byte) error {
	return l.store.SetIdempotencyResponse(ctx, tenantID, key, status, body)
}
