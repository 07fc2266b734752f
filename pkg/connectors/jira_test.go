package connectors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/oauth"
	"github.com/poblysh/pollen/pkg/signals"
)

func TestJiraWebhook_IssueLifecycle(t *testing.T) {
	j := NewJira(oauth.ClientCredentials{}, nil, silentLogger())

	envelope := func(event string, issue map[string]any) *models.WebhookEnvelope {
		return &models.WebhookEnvelope{
			Provider: models.ProviderJira,
			ParsedBody: map[string]any{
				"webhookEvent": event,
				"issue":        issue,
			},
			ReceivedAt: time.Now().UTC(),
		}
	}

	issue := map[string]any{
		"id": "10002",
		"fields": map[string]any{
			"created": "2024-03-01T09:00:00.000+0000",
			"updated": "2024-03-01T09:30:00.000+0000",
			"status": map[string]any{
				"statusCategory": map[string]any{"key": "indeterminate"},
			},
		},
	}

	created, err := j.HandleWebhook(context.Background(), Connection{}, envelope("jira:issue_created", issue))
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, signals.KindIssueCreated, created[0].Kind)
	assert.Equal(t, "10002", created[0].ExternalID)

	updated, err := j.HandleWebhook(context.Background(), Connection{}, envelope("jira:issue_updated", issue))
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, signals.KindIssueUpdated, updated[0].Kind)

	done := map[string]any{
		"id": "10002",
		"fields": map[string]any{
			"updated": "2024-03-01T10:00:00.000+0000",
			"status": map[string]any{
				"statusCategory": map[string]any{"key": "done"},
			},
		},
	}
	closed, err := j.HandleWebhook(context.Background(), Connection{}, envelope("jira:issue_updated", done))
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, signals.KindIssueClosed, closed[0].Kind)

	ignored, err := j.HandleWebhook(context.Background(), Connection{}, envelope("jira:issue_deleted", issue))
	require.NoError(t, err)
	assert.Empty(t, ignored)
}

func TestJiraTime(t *testing.T) {
	ts := jiraTime("2024-03-01T09:30:00.000+0000")
	assert.Equal(t, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC), ts)

	// RFC3339 values from other payload shapes still parse.
	ts = jiraTime("2024-03-01T09:30:00Z")
	assert.Equal(t, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC), ts)
}
