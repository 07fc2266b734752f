package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/poblysh/pollen/pkg/database"
)

// ConnectionMetadata is the opaque JSON blob stored alongside a connection:
// identity hints from the provider plus sync bookkeeping.
type ConnectionMetadata struct {
	AccountEmail string       `json:"account_email,omitempty"`
	AccountName  string       `json:"account_name,omitempty"`
	Sync         SyncMetadata `json:"sync"`
}

// SyncMetadata holds the cursor and optional per-connection tuning.
type SyncMetadata struct {
	// Cursor is provider-defined and opaque to everything but the connector.
	Cursor json.RawMessage `json:"cursor,omitempty"`
	// IntervalSeconds overrides the default poll interval when > 0.
	IntervalSeconds int        `json:"interval_seconds,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
}

// Connection is a tenant-scoped provider authorization. Token columns hold
// vault ciphertext only; plaintext tokens never touch the database or logs.
type Connection struct {
	ID                     uuid.UUID                              `db:"id" json:"id"`
	TenantID               uuid.UUID                              `db:"tenant_id" json:"tenant_id"`
	ProviderName           string                                 `db:"provider_name" json:"provider_name"`
	ExternalAccountID      string                                 `db:"external_account_id" json:"external_account_id"`
	AccessTokenCiphertext  []byte                                 `db:"access_token_ciphertext" json:"-"`
	RefreshTokenCiphertext []byte                                 `db:"refresh_token_ciphertext" json:"-"`
	ExpiresAt              *time.Time                             `db:"expires_at" json:"expires_at,omitempty"`
	Metadata               database.JSONB[ConnectionMetadata]     `db:"metadata" json:"metadata"`
	CreatedAt              time.Time                              `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time                              `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Connection) TableName() string {
	return "connections"
}

// NeedsRefresh reports whether the access token expires within margin of now.
// A nil ExpiresAt is treated as non-expiring until the next refresh.
func (c *Connection) NeedsRefresh(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Add(margin).Before(*c.ExpiresAt)
}
