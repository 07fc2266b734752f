package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVerifier(providers map[string]ProviderConfig, operatorCheck OperatorCheck) *Verifier {
	return &Verifier{
		providers:     providers,
		oidcVerifiers: map[string]*oidcVerifier{},
		operatorCheck: operatorCheck,
		logger:        ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}),
		now:           time.Now,
	}
}

func githubSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func slackSignature(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%d:", ts)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func githubConfig(secret string) map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"github": {
			Scheme:          SchemeHMAC,
			Secret:          secret,
			SignatureHeader: "X-Hub-Signature-256",
		},
	}
}

func TestVerify_UnknownProvider(t *testing.T) {
	v := newTestVerifier(githubConfig("secret"), nil)

	err := v.Verify(context.Background(), "bitbucket", http.Header{}, []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestVerify_SecretUnconfigured(t *testing.T) {
	v := newTestVerifier(githubConfig(""), nil)

	headers := http.Header{}
	headers.Set("X-Hub-Signature-256", githubSignature("anything", []byte(`{}`)))

	err := v.Verify(context.Background(), "github", headers, []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestVerify_GitHubHMAC(t *testing.T) {
	secret := "It's a Secret to Everybody"
	body := []byte(`{"action":"opened","issue":{"id":42}}`)
	v := newTestVerifier(githubConfig(secret), nil)

	headers := http.Header{}
	headers.Set("X-Hub-Signature-256", githubSignature(secret, body))

	require.NoError(t, v.Verify(context.Background(), "github", headers, body))

	t.Run("any single-byte body mutation is rejected", func(t *testing.T) {
		for i := range body {
			mutated := make([]byte, len(body))
			copy(mutated, body)
			mutated[i] ^= 0x01

			err := v.Verify(context.Background(), "github", headers, mutated)
			require.ErrorIs(t, err, ErrUnauthorized, "byte %d", i)
		}
	})

	t.Run("any single-byte signature mutation is rejected", func(t *testing.T) {
		sig := githubSignature(secret, body)
		for i := range sig {
			mutated := []byte(sig)
			mutated[i] ^= 0x01

			bad := http.Header{}
			bad.Set("X-Hub-Signature-256", string(mutated))

			err := v.Verify(context.Background(), "github", bad, body)
			require.ErrorIs(t, err, ErrUnauthorized, "byte %d", i)
		}
	})

	t.Run("missing signature is rejected", func(t *testing.T) {
		err := v.Verify(context.Background(), "github", http.Header{}, body)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestVerify_SlackTimestampedHMAC(t *testing.T) {
	secret := "8f742231b10e8888abcd99yyyzzz85a5"
	body := []byte(`token=xyz&team_id=T1&channel_id=C2`)
	now := time.Unix(1700000000, 0)

	v := newTestVerifier(map[string]ProviderConfig{
		"slack": {
			Scheme:          SchemeTimestampedHMAC,
			Secret:          secret,
			SignatureHeader: "X-Slack-Signature",
			TimestampHeader: "X-Slack-Request-Timestamp",
			Tolerance:       300 * time.Second,
		},
	}, nil)
	v.now = func() time.Time { return now }

	headersAt := func(ts int64) http.Header {
		headers := http.Header{}
		headers.Set("X-Slack-Request-Timestamp", fmt.Sprintf("%d", ts))
		headers.Set("X-Slack-Signature", slackSignature(secret, ts, body))
		return headers
	}

	tests := []struct {
		name    string
		ts      int64
		wantErr bool
	}{
		{name: "fresh", ts: now.Unix(), wantErr: false},
		{name: "exactly at tolerance", ts: now.Unix() - 300, wantErr: false},
		{name: "one past tolerance", ts: now.Unix() - 301, wantErr: true},
		{name: "future at tolerance", ts: now.Unix() + 300, wantErr: false},
		{name: "future past tolerance", ts: now.Unix() + 301, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(context.Background(), "slack", headersAt(tt.ts), body)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnauthorized)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("valid signature with wrong body is rejected", func(t *testing.T) {
		err := v.Verify(context.Background(), "slack", headersAt(now.Unix()), []byte(`tampered`))
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("garbage timestamp is rejected", func(t *testing.T) {
		headers := headersAt(now.Unix())
		headers.Set("X-Slack-Request-Timestamp", "not-a-number")
		err := v.Verify(context.Background(), "slack", headers, body)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestVerify_SharedSecret(t *testing.T) {
	v := newTestVerifier(map[string]ProviderConfig{
		"zoho-cliq": {
			Scheme: SchemeSharedSecret,
			Secret: "cliq-webhook-token",
		},
	}, nil)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer cliq-webhook-token")
	assert.NoError(t, v.Verify(context.Background(), "zoho-cliq", headers, nil))

	headers.Set("Authorization", "Bearer wrong-token")
	assert.ErrorIs(t, v.Verify(context.Background(), "zoho-cliq", headers, nil), ErrUnauthorized)

	assert.ErrorIs(t, v.Verify(context.Background(), "zoho-cliq", http.Header{}, nil), ErrUnauthorized)
}

func TestVerify_OperatorBypass(t *testing.T) {
	operator := func(_ context.Context, bearer string) bool {
		return bearer == "operator-token"
	}
	v := newTestVerifier(githubConfig("secret"), operator)

	// No signature at all, but a valid operator credential.
	headers := http.Header{}
	headers.Set("Authorization", "Bearer operator-token")
	assert.NoError(t, v.Verify(context.Background(), "github", headers, []byte(`{}`)))

	// An invalid operator credential falls through to signature verification.
	headers.Set("Authorization", "Bearer stolen-token")
	assert.ErrorIs(t, v.Verify(context.Background(), "github", headers, []byte(`{}`)), ErrUnauthorized)
}

func TestVerify_UniformRejection(t *testing.T) {
	secret := "secret"
	body := []byte(`{}`)
	v := newTestVerifier(githubConfig(secret), nil)

	missing := v.Verify(context.Background(), "github", http.Header{}, body)

	bad := http.Header{}
	bad.Set("X-Hub-Signature-256", "sha256=deadbeef")
	invalid := v.Verify(context.Background(), "github", bad, body)

	// Callers cannot distinguish a missing signature from a wrong one.
	assert.Equal(t, missing.Error(), invalid.Error())
	assert.ErrorIs(t, missing, ErrUnauthorized)
	assert.ErrorIs(t, invalid, ErrUnauthorized)
}

func TestCanonicalize(t *testing.T) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("X-GitHub-Event", "issues")
	headers.Set("X-Hub-Signature-256", "sha256=deadbeef")
	headers.Set("Authorization", "Bearer secret")

	envelope := Canonicalize("github", headers, []byte(`{"action":"opened"}`))

	assert.Equal(t, "github", envelope.Provider)
	assert.Equal(t, "application/json", envelope.Headers["content-type"])
	assert.Equal(t, "issues", envelope.Headers["x-github-event"])
	assert.NotContains(t, envelope.Headers, "x-hub-signature-256")
	assert.NotContains(t, envelope.Headers, "authorization")
	assert.Equal(t, "opened", envelope.ParsedBody["action"])
	assert.False(t, envelope.ReceivedAt.IsZero())
}

func TestCanonicalize_NonJSONBody(t *testing.T) {
	envelope := Canonicalize("slack", http.Header{}, []byte("token=abc&type=event"))
	assert.Nil(t, envelope.ParsedBody)
	assert.Equal(t, []byte("token=abc&type=event"), envelope.Body)
}
