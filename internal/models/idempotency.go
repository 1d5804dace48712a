package models

import (
	"time"
)

// IdempotencyRecord tracks one guarded mutation per (tenant, key). The body
// hash is immutable after first write; the response fields are written once
// when the guarded operation finishes. Records are never deleted by this
// subsystem; expiry is a retention concern handled elsewhere.
type IdempotencyRecord struct {
	TenantID       string    `json:"tenant_id"`
	Key            string    `json:"key"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	BodyHash       string    `json:"body_hash"`
	ResponseStatus *int      `json:"response_status,omitempty"`
	ResponseBody   []byte    `json:"response_body,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// HasResponse reports whether the guarded operation already completed.
func (r *IdempotencyRecord) HasResponse() bool {
	return r.ResponseStatus != nil
}
