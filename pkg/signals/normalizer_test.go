package signals

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poblysh/pollen/pkg/models"
)

func TestDedupeKey_Deterministic(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	key := DedupeKey("github", KindIssueCreated, "12345", ts)
	assert.Equal(t, "github:issue_created:12345:2025-03-14T09:26:53Z", key)

	// Same inputs, same key
	assert.Equal(t, key, DedupeKey("github", KindIssueCreated, "12345", ts))
}

func TestDedupeKey_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	local := time.Date(2025, 3, 14, 10, 26, 53, 0, loc)
	utc := local.UTC()

	assert.Equal(t,
		DedupeKey("jira", KindIssueUpdated, "PROJ-1", utc),
		DedupeKey("jira", KindIssueUpdated, "PROJ-1", local),
	)
}

func TestNormalizer_WebhookAndPollCollide(t *testing.T) {
	n := NewNormalizer()
	tenantID := uuid.New()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// The same upstream issue arriving through the webhook path...
	fromWebhook := n.Normalize(tenantID, models.ProviderGitHub, RawEvent{
		Kind:       KindIssueCreated,
		ExternalID: "777",
		Timestamp:  ts,
		Raw: map[string]any{
			"action": "opened",
			"issue":  map[string]any{"id": float64(777), "title": "Bug: crash on sync"},
		},
	})

	// ...and via a later poll with a different payload shape.
	fromPoll := n.Normalize(tenantID, models.ProviderGitHub, RawEvent{
		Kind:       KindIssueCreated,
		ExternalID: "777",
		Timestamp:  ts,
		Raw: map[string]any{
			"issue": map[string]any{"id": float64(777), "title": "Bug: crash on sync", "state": "open"},
		},
	})

	assert.Equal(t, fromWebhook.DedupeKey, fromPoll.DedupeKey)
}

func TestNormalizer_ExtractsGitHubFields(t *testing.T) {
	n := NewNormalizer()

	signal := n.Normalize(uuid.New(), models.ProviderGitHub, RawEvent{
		Kind:       KindIssueCreated,
		ExternalID: "42",
		Timestamp:  time.Now(),
		Raw: map[string]any{
			"issue": map[string]any{
				"title":    "Fix flaky test",
				"html_url": "https://github.com/acme/repo/issues/42",
				"user":     map[string]any{"login": "octocat"},
			},
			"repository": map[string]any{"full_name": "acme/repo"},
		},
	})

	normalized := signal.Payload.Data.Normalized
	assert.Equal(t, "Fix flaky test", normalized["title"])
	assert.Equal(t, "https://github.com/acme/repo/issues/42", normalized["url"])
	assert.Equal(t, "octocat", normalized["author"])
	assert.Equal(t, "acme/repo", normalized["repo"])
	assert.Equal(t, KindIssueCreated, normalized["kind"])
	assert.Equal(t, "42", normalized["external_id"])
}

func TestNormalizer_ExtractsJiraFields(t *testing.T) {
	n := NewNormalizer()

	signal := n.Normalize(uuid.New(), models.ProviderJira, RawEvent{
		Kind:       KindIssueUpdated,
		ExternalID: "10001",
		Timestamp:  time.Now(),
		Raw: map[string]any{
			"key": "PROJ-7",
			"fields": map[string]any{
				"summary":  "Update onboarding docs",
				"status":   map[string]any{"name": "In Progress"},
				"reporter": map[string]any{"displayName": "Dana Ortiz"},
				"project":  map[string]any{"key": "PROJ"},
			},
		},
	})

	normalized := signal.Payload.Data.Normalized
	assert.Equal(t, "Update onboarding docs", normalized["title"])
	assert.Equal(t, "PROJ-7", normalized["key"])
	assert.Equal(t, "In Progress", normalized["status"])
}

func TestNormalizer_UnknownProviderStillNormalizes(t *testing.T) {
	n := NewNormalizer()
	ts := time.Now()

	signal := n.Normalize(uuid.New(), "unknown", RawEvent{
		Kind:       KindMessageSent,
		ExternalID: "m-1",
		Timestamp:  ts,
		Raw:        map[string]any{"text": "hello"},
	})

	require.NotEmpty(t, signal.DedupeKey)
	assert.Equal(t, KindMessageSent, signal.Kind)
	assert.Equal(t, map[string]any{"text": "hello"}, signal.Payload.Data.Raw)
}

func TestNormalizer_RawPayloadPreserved(t *testing.T) {
	n := NewNormalizer()
	raw := map[string]any{"issue": map[string]any{"title": "x"}, "extra": float64(1)}

	signal := n.Normalize(uuid.New(), models.ProviderGitHub, RawEvent{
		Kind:       KindIssueClosed,
		ExternalID: "9",
		Timestamp:  time.Now(),
		Raw:        raw,
	})

	assert.Equal(t, raw, signal.Payload.Data.Raw)
}

func TestNormalizeAll(t *testing.T) {
	n := NewNormalizer()
	tenantID := uuid.New()

	out := n.NormalizeAll(tenantID, models.ProviderSlack, []RawEvent{
		{Kind: KindMessageSent, ExternalID: "1", Timestamp: time.Now(), Raw: map[string]any{"text": "a"}},
		{Kind: KindMessageSent, ExternalID: "2", Timestamp: time.Now(), Raw: map[string]any{"text": "b"}},
	})

	require.Len(t, out, 2)
	assert.Equal(t, tenantID, out[0].TenantID)
	assert.NotEqual(t, out[0].DedupeKey, out[1].DedupeKey)
}
