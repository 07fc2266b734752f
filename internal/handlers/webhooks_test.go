package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"

	"github.com/poblysh/pollen/pkg/connectors"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/webhooks"
)

func TestSlackChallenge(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
		ok   bool
	}{
		{"handshake", `{"type":"url_verification","challenge":"abc123"}`, "abc123", true},
		{"event callback", `{"type":"event_callback","event":{}}`, "", false},
		{"missing challenge", `{"type":"url_verification"}`, "", false},
		{"non-json body", `not json`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelope := webhooks.Canonicalize(models.ProviderSlack, http.Header{}, []byte(tt.body))
			challenge, ok := slackChallenge(envelope)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, challenge)
		})
	}
}

func TestConnectorHTTPError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"auth required", connectors.ErrAuthenticationRequired, http.StatusUnauthorized},
		{"permission denied", connectors.ErrPermissionDenied, http.StatusForbidden},
		{"unsupported", connectors.ErrUnsupported, http.StatusBadRequest},
		{"unknown provider", connectors.ErrUnknownProvider, http.StatusNotFound},
		{"rate limited", connectors.RateLimited(time.Minute), http.StatusTooManyRequests},
		{"upstream failure", connectors.ErrUpstreamFailure, http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := connectorHTTPError(tt.err)
			assert.Equal(t, tt.code, httperror.GetStatusCode(err))
		})
	}
}
