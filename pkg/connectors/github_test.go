package connectors

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/oauth"
	"github.com/poblysh/pollen/pkg/signals"
)

func silentLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func githubEnvelope(t *testing.T, event string, body map[string]any) *models.WebhookEnvelope {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	return &models.WebhookEnvelope{
		Provider:   models.ProviderGitHub,
		Headers:    map[string]string{"x-github-event": event},
		Body:       raw,
		ParsedBody: body,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestGitHubWebhook_IssueOpened(t *testing.T) {
	g := NewGitHub(oauth.ClientCredentials{}, silentLogger())

	events, err := g.HandleWebhook(context.Background(), Connection{}, githubEnvelope(t, "issues", map[string]any{
		"action": "opened",
		"issue": map[string]any{
			"id":         float64(1296269),
			"updated_at": "2024-03-01T12:00:00Z",
			"title":      "Found a bug",
		},
	}))
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, signals.KindIssueCreated, events[0].Kind)
	assert.Equal(t, "1296269", events[0].ExternalID)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), events[0].Timestamp)
}

func TestGitHubWebhook_PullRequestMergedVsClosed(t *testing.T) {
	g := NewGitHub(oauth.ClientCredentials{}, silentLogger())

	prBody := func(merged bool) map[string]any {
		return map[string]any{
			"action": "closed",
			"pull_request": map[string]any{
				"id":         float64(42),
				"merged":     merged,
				"updated_at": "2024-03-01T12:00:00Z",
			},
		}
	}

	merged, err := g.HandleWebhook(context.Background(), Connection{}, githubEnvelope(t, "pull_request", prBody(true)))
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, signals.KindPRMerged, merged[0].Kind)

	closed, err := g.HandleWebhook(context.Background(), Connection{}, githubEnvelope(t, "pull_request", prBody(false)))
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, signals.KindPRClosed, closed[0].Kind)
}

func TestGitHubWebhook_IgnoredEvents(t *testing.T) {
	g := NewGitHub(oauth.ClientCredentials{}, silentLogger())

	tests := []struct {
		name  string
		event string
		body  map[string]any
	}{
		{name: "ping", event: "ping", body: map[string]any{"zen": "Design for failure."}},
		{name: "unknown event", event: "deployment", body: map[string]any{"action": "created"}},
		{name: "irrelevant issue action", event: "issues", body: map[string]any{
			"action": "milestoned",
			"issue":  map[string]any{"id": float64(1)},
		}},
		{name: "comment edit", event: "issue_comment", body: map[string]any{
			"action":  "edited",
			"comment": map[string]any{"id": float64(9)},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := g.HandleWebhook(context.Background(), Connection{}, githubEnvelope(t, tt.event, tt.body))
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}

func TestGitHubSync_InvalidCursor(t *testing.T) {
	g := NewGitHub(oauth.ClientCredentials{}, silentLogger())

	_, err := g.Sync(context.Background(), Connection{AccessToken: "token"}, json.RawMessage(`{not json`))
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestJSONNumberString(t *testing.T) {
	assert.Equal(t, "1296269", jsonNumberString(float64(1296269)))
	assert.Equal(t, "99999999999", jsonNumberString(float64(99999999999)))
	assert.Equal(t, "abc", jsonNumberString("abc"))
	assert.Equal(t, "", jsonNumberString(nil))
}
