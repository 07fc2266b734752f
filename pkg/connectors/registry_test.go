package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/signals"
)

type stubConnector struct {
	name string
}

func (s *stubConnector) Name() string { return s.name }

func (s *stubConnector) Metadata() models.Provider {
	return models.Provider{Name: s.name, AuthType: models.AuthTypeOAuth2}
}

func (s *stubConnector) AuthorizeURL(ctx context.Context, tenantID, state string) (string, error) {
	return "https://example.com/authorize?state=" + state, nil
}

func (s *stubConnector) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	return &TokenSet{AccessToken: "token"}, nil
}

func (s *stubConnector) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	return nil, ErrUnsupported
}

func (s *stubConnector) Sync(ctx context.Context, conn Connection, cursor json.RawMessage) (*SyncResult, error) {
	return &SyncResult{}, nil
}

func (s *stubConnector) HandleWebhook(ctx context.Context, conn Connection, envelope *models.WebhookEnvelope) ([]signals.RawEvent, error) {
	return nil, nil
}

func TestRegistry_Get(t *testing.T) {
	registry, err := NewRegistry(&stubConnector{name: "github"}, &stubConnector{name: "jira"})
	require.NoError(t, err)

	c, err := registry.Get("github")
	require.NoError(t, err)
	assert.Equal(t, "github", c.Name())

	_, err = registry.Get("bitbucket")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.Contains(t, err.Error(), "bitbucket")
}

func TestRegistry_Has(t *testing.T) {
	registry, err := NewRegistry(&stubConnector{name: "slack"})
	require.NoError(t, err)

	assert.True(t, registry.Has("slack"))
	assert.False(t, registry.Has("teams"))
}

func TestRegistry_DuplicateName(t *testing.T) {
	_, err := NewRegistry(&stubConnector{name: "github"}, &stubConnector{name: "github"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownProvider))
}

func TestRegistry_ListMetadataSorted(t *testing.T) {
	registry, err := NewRegistry(
		&stubConnector{name: "slack"},
		&stubConnector{name: "github"},
		&stubConnector{name: "jira"},
	)
	require.NoError(t, err)

	metadata := registry.ListMetadata()
	require.Len(t, metadata, 3)
	assert.Equal(t, "github", metadata[0].Name)
	assert.Equal(t, "jira", metadata[1].Name)
	assert.Equal(t, "slack", metadata[2].Name)
}
