package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/poblysh/pollen/pkg/database"
)

// SignalPayload carries both the untouched provider event and the
// provider-agnostic normalized view of it.
type SignalPayload struct {
	Raw        map[string]any `json:"raw"`
	Normalized map[string]any `json:"normalized"`
}

// Signal is the canonical tenant-scoped event emitted by the engine.
// Immutable after creation. DedupeKey is unique per (tenant, source) and is
// the only idempotency boundary against duplicate webhook delivery and
// overlapping poll windows.
type Signal struct {
	ID        uuid.UUID                      `db:"id" json:"id"`
	TenantID  uuid.UUID                      `db:"tenant_id" json:"tenant_id"`
	Source    string                         `db:"source" json:"source"`
	Kind      string                         `db:"kind" json:"kind"`
	Payload   database.JSONB[SignalPayload]  `db:"payload" json:"payload"`
	Timestamp time.Time                      `db:"timestamp" json:"timestamp"`
	DedupeKey string                         `db:"dedupe_key" json:"dedupe_key"`
	CreatedAt time.Time                      `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (Signal) TableName() string {
	return "signals"
}
