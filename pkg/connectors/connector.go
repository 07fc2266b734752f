// Package connectors defines the per-provider capability interface and the
// adapters implementing it. Connectors translate provider APIs into the
// canonical event stream; they never persist anything themselves.
package connectors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/signals"
)

// TokenSet is the result of a code exchange or token refresh.
type TokenSet struct {
	AccessToken string

	// RefreshToken is empty when the provider did not rotate it. Callers
	// must keep the previously stored refresh token in that case, never
	// drop it.
	RefreshToken string

	// ExpiresAt is the absolute UTC expiry converted from the provider's
	// relative expires_in. Zero means the provider reported no expiry:
	// treat the token as non-expiring until the next refresh.
	ExpiresAt time.Time

	// ExternalAccountID identifies the authorized account at the provider,
	// when the token response or a follow-up identity call reveals it.
	ExternalAccountID string
}

// SyncResult is one incremental fetch. All-or-nothing: on error no partial
// events are returned.
type SyncResult struct {
	Events     []signals.RawEvent
	NextCursor json.RawMessage
	HasMore    bool
}

// Connection carries the decrypted credentials a connector needs for one
// invocation. Plaintext tokens exist only in memory for the call's duration.
type Connection struct {
	ID                string
	TenantID          string
	ProviderName      string
	ExternalAccountID string
	AccessToken       string
}

// Connector is the capability interface implemented once per provider.
type Connector interface {
	// Name returns the catalog name, e.g. "github".
	Name() string

	// Metadata returns the static provider catalog entry.
	Metadata() models.Provider

	// AuthorizeURL builds the provider authorize URL. The state token is
	// issued by the platform (single-use, expiring, bound to the tenant
	// and provider) before this call.
	AuthorizeURL(ctx context.Context, tenantID, state string) (string, error)

	// ExchangeCode redeems an authorization code at the token endpoint.
	ExchangeCode(ctx context.Context, code string) (*TokenSet, error)

	// RefreshToken exchanges a refresh token for a new TokenSet. Returns
	// ErrUnsupported when the provider cannot refresh.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error)

	// Sync fetches events since cursor. The cursor is opaque and
	// provider-defined; nil requests a full baseline.
	Sync(ctx context.Context, conn Connection, cursor json.RawMessage) (*SyncResult, error)

	// HandleWebhook translates a verified envelope into events. A nil or
	// empty slice is legitimate: some providers send contentless pings and
	// rely on the enqueued sync job.
	HandleWebhook(ctx context.Context, conn Connection, envelope *models.WebhookEnvelope) ([]signals.RawEvent, error)
}
