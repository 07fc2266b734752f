// Package signals maps provider-native event shapes onto the canonical
// Signal taxonomy and computes the dedupe keys that collapse duplicate
// emission across webhook and polling paths.
package signals

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/poblysh/pollen/pkg/database"
	"github.com/poblysh/pollen/pkg/models"
)

// RawEvent is a single provider event as a connector saw it. Connectors
// classify the kind and identify the upstream object; the normalizer does
// the rest.
type RawEvent struct {
	Kind       string
	ExternalID string

	// Timestamp is the upstream updated/event time, not the observation
	// time. It anchors the dedupe key so webhook and poll renditions of the
	// same change collide.
	Timestamp time.Time

	Raw map[string]any
}

// Normalizer converts RawEvents into persistable Signals.
type Normalizer struct {
	extractor *Extractor
	specs     map[string]map[string]string
}

// NewNormalizer creates a Normalizer with the built-in extraction specs.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		extractor: NewExtractor(),
		specs:     extractionSpecs,
	}
}

// DedupeKey is deterministic over the event identity: the same upstream
// event arriving via webhook and a later poll produces the same key.
func DedupeKey(provider, kind, externalID string, ts time.Time) string {
	return fmt.Sprintf("%s:%s:%s:%s", provider, kind, externalID, ts.UTC().Format(time.RFC3339))
}

// Normalize builds a Signal from one RawEvent.
func (n *Normalizer) Normalize(tenantID uuid.UUID, provider string, event RawEvent) models.Signal {
	normalized := map[string]any{
		"kind":        event.Kind,
		"external_id": event.ExternalID,
	}

	if spec, ok := n.specs[provider+":"+event.Kind]; ok {
		for field, value := range n.extractor.ExtractFields(spec, event.Raw) {
			normalized[field] = value
		}
	} else if spec, ok := n.specs[provider]; ok {
		for field, value := range n.extractor.ExtractFields(spec, event.Raw) {
			normalized[field] = value
		}
	}

	return models.Signal{
		ID:       uuid.New(),
		TenantID: tenantID,
		Source:   provider,
		Kind:     event.Kind,
		Payload: database.JSONB[models.SignalPayload]{Data: models.SignalPayload{
			Raw:        event.Raw,
			Normalized: normalized,
		}},
		Timestamp: event.Timestamp.UTC(),
		DedupeKey: DedupeKey(provider, event.Kind, event.ExternalID, event.Timestamp),
	}
}

// NormalizeAll maps a batch of RawEvents.
func (n *Normalizer) NormalizeAll(tenantID uuid.UUID, provider string, events []RawEvent) []models.Signal {
	out := make([]models.Signal, 0, len(events))
	for _, event := range events {
		out = append(out, n.Normalize(tenantID, provider, event))
	}
	return out
}

// extractionSpecs are JMESPath field specs keyed by "provider:kind", with a
// bare "provider" key as the fallback for kinds without a dedicated spec.
var extractionSpecs = map[string]map[string]string{
	models.ProviderGitHub: {
		"title":  "issue.title || pull_request.title",
		"url":    "issue.html_url || pull_request.html_url",
		"author": "issue.user.login || pull_request.user.login || sender.login",
		"repo":   "repository.full_name",
	},
	models.ProviderJira: {
		"title":   "fields.summary",
		"key":     "key",
		"status":  "fields.status.name",
		"author":  "fields.reporter.displayName",
		"project": "fields.project.key",
	},
	models.ProviderGoogleDrive: {
		"title":     "file.name || name",
		"mime_type": "file.mimeType || mimeType",
		"url":       "file.webViewLink || webViewLink",
	},
	models.ProviderGoogleCalendar: {
		"title":    "summary",
		"url":      "htmlLink",
		"status":   "status",
		"location": "location",
	},
	models.ProviderGmail: {
		"subject":   "subject",
		"from":      "from",
		"thread_id": "threadId",
	},
	models.ProviderSlack: {
		"channel": "channel",
		"author":  "user",
		"text":    "text",
	},
	models.ProviderZohoCliq: {
		"channel": "chat.title",
		"author":  "sender.name",
		"text":    "message.text",
	},
	models.ProviderZohoMail: {
		"subject": "subject",
		"from":    "fromAddress",
	},
}
