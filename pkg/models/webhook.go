package models

import (
	"encoding/json"
	"time"
)

// WebhookEnvelope is the canonical form of an inbound webhook request.
// Header names are lower-cased and authentication-bearing headers are
// stripped before the envelope leaves the verification layer. It lives only
// for the duration of request handling and the resulting job's cursor_in.
type WebhookEnvelope struct {
	Provider   string              `json:"provider"`
	Headers    map[string]string   `json:"headers"`
	Body       []byte              `json:"body"`
	ParsedBody map[string]any      `json:"parsed_body,omitempty"`
	ReceivedAt time.Time           `json:"received_at"`
}

// ParseBody populates ParsedBody from Body when the body is JSON.
// A non-JSON body leaves ParsedBody nil; connectors fall back to raw bytes.
func (e *WebhookEnvelope) ParseBody() {
	if len(e.Body) == 0 {
		return
	}
	var parsed map[string]any
	if err := json.Unmarshal(e.Body, &parsed); err != nil {
		return
	}
	e.ParsedBody = parsed
}
