package connectors

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/signals"
	"github.com/poblysh/pollen/pkg/tracing"
)

// ZohoCliqConnector is webhook-only: Cliq pushes messages through outgoing
// webhooks authenticated with a shared bearer token, and exposes no polling
// surface worth syncing. OAuth operations are unsupported.
type ZohoCliqConnector struct {
	logger ectologger.Logger
}

// NewZohoCliq creates the Zoho Cliq connector
func NewZohoCliq(logger ectologger.Logger) *ZohoCliqConnector {
	return &ZohoCliqConnector{logger: logger}
}

func (z *ZohoCliqConnector) Name() string {
	return models.ProviderZohoCliq
}

func (z *ZohoCliqConnector) Metadata() models.Provider {
	return models.Provider{
		Name:     models.ProviderZohoCliq,
		AuthType: models.AuthTypeCustomWebhook,
		Webhooks: true,
	}
}

func (z *ZohoCliqConnector) AuthorizeURL(ctx context.Context, tenantID, state string) (string, error) {
	return "", ErrUnsupported
}

func (z *ZohoCliqConnector) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	return nil, ErrUnsupported
}

func (z *ZohoCliqConnector) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	return nil, ErrUnsupported
}

// Sync is a no-op; the cursor passes through unchanged so scheduled jobs on
// a webhook-only connection stay cheap.
func (z *ZohoCliqConnector) Sync(ctx context.Context, conn Connection, cursor json.RawMessage) (*SyncResult, error) {
	return &SyncResult{NextCursor: cursor, HasMore: false}, nil
}

func (z *ZohoCliqConnector) HandleWebhook(ctx context.Context, conn Connection, envelope *models.WebhookEnvelope) ([]signals.RawEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "ZohoCliqConnector.HandleWebhook")
	defer span.End()

	if envelope.ParsedBody == nil {
		return nil, nil
	}

	message, ok := envelope.ParsedBody["message"].(map[string]any)
	if !ok {
		z.logger.WithContext(ctx).Debug("Ignoring zoho-cliq webhook without message payload")
		return nil, nil
	}

	id := jsonNumberString(message["id"])
	if id == "" {
		return nil, nil
	}

	return []signals.RawEvent{{
		Kind:       signals.KindMessageSent,
		ExternalID: id,
		Timestamp:  jsonTime(message["time"]),
		Raw:        envelope.ParsedBody,
	}}, nil
}
