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

func slackEnvelope(body map[string]any) *models.WebhookEnvelope {
	return &models.WebhookEnvelope{
		Provider:   models.ProviderSlack,
		Headers:    map[string]string{},
		ParsedBody: body,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestSlackWebhook_Message(t *testing.T) {
	s := NewSlack(oauth.ClientCredentials{}, nil, silentLogger())

	events, err := s.HandleWebhook(context.Background(), Connection{}, slackEnvelope(map[string]any{
		"type": "event_callback",
		"event": map[string]any{
			"type":    "message",
			"ts":      "1700000000.000200",
			"channel": "C024BE91L",
			"text":    "hello",
		},
	}))
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, signals.KindMessageSent, events[0].Kind)
	assert.Equal(t, "C024BE91L:1700000000.000200", events[0].ExternalID)
	assert.Equal(t, int64(1700000000), events[0].Timestamp.Unix())
}

func TestSlackWebhook_Ignored(t *testing.T) {
	s := NewSlack(oauth.ClientCredentials{}, nil, silentLogger())

	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "url verification", body: map[string]any{"type": "url_verification", "challenge": "abc"}},
		{name: "non-message event", body: map[string]any{
			"type":  "event_callback",
			"event": map[string]any{"type": "reaction_added"},
		}},
		{name: "message edit subtype", body: map[string]any{
			"type": "event_callback",
			"event": map[string]any{
				"type":    "message",
				"subtype": "message_changed",
				"ts":      "1700000000.000200",
				"channel": "C024BE91L",
			},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := s.HandleWebhook(context.Background(), Connection{}, slackEnvelope(tt.body))
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}

func TestSlackTime(t *testing.T) {
	ts := slackTime("1700000000.000200")
	assert.Equal(t, int64(1700000000), ts.Unix())

	// Garbage falls back to now rather than zero so dedupe keys stay usable.
	assert.False(t, slackTime("garbage").IsZero())
}

func TestSlackErrorMapping(t *testing.T) {
	s := NewSlack(oauth.ClientCredentials{}, nil, silentLogger())

	assert.ErrorIs(t, s.mapSlackError("invalid_auth"), ErrAuthenticationRequired)
	assert.ErrorIs(t, s.mapSlackError("missing_scope"), ErrPermissionDenied)

	retryAfter, ok := AsRateLimited(s.mapSlackError("ratelimited"))
	require.True(t, ok)
	assert.Equal(t, time.Minute, retryAfter)

	assert.ErrorIs(t, s.mapSlackError("fatal_error"), ErrUpstreamFailure)
}
