// Package webhooks verifies inbound provider webhooks and canonicalizes them
// into envelopes the connectors can consume.
package webhooks

import (
	"net/http"
	"strings"
	"time"

	"github.com/poblysh/pollen/pkg/models"
)

// strippedHeaders are authentication-bearing headers that must never survive
// canonicalization, since envelopes get persisted into job cursors.
var strippedHeaders = map[string]struct{}{
	"authorization":             {},
	"cookie":                    {},
	"x-hub-signature":           {},
	"x-hub-signature-256":       {},
	"x-slack-signature":         {},
	"x-zoho-webhook-token":      {},
	"x-goog-channel-token":      {},
	"x-atlassian-webhook-token": {},
}

// Canonicalize builds an envelope from a verified request. Header keys are
// lower-cased, auth headers are dropped, and the body is parsed as JSON when
// it is JSON.
func Canonicalize(provider string, headers http.Header, body []byte) *models.WebhookEnvelope {
	canonical := make(map[string]string, len(headers))
	for key, values := range headers {
		lower := strings.ToLower(key)
		if _, stripped := strippedHeaders[lower]; stripped {
			continue
		}
		if len(values) > 0 {
			canonical[lower] = values[0]
		}
	}

	envelope := &models.WebhookEnvelope{
		Provider:   provider,
		Headers:    canonical,
		Body:       body,
		ReceivedAt: time.Now().UTC(),
	}
	envelope.ParseBody()

	return envelope
}
