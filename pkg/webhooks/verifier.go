package webhooks

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/poblysh/pollen/pkg/metrics"
	"github.com/poblysh/pollen/pkg/tracing"
)

// Scheme selects the verification algorithm for a provider.
type Scheme string

const (
	// SchemeHMAC verifies an HMAC-SHA256 hex digest over the raw body (GitHub)
	SchemeHMAC Scheme = "hmac"
	// SchemeTimestampedHMAC verifies v0:{timestamp}:{body} with a replay window (Slack)
	SchemeTimestampedHMAC Scheme = "timestamped-hmac"
	// SchemeOIDC verifies a signed bearer token from a push system (Google Pub/Sub)
	SchemeOIDC Scheme = "oidc"
	// SchemeSharedSecret compares a bearer token against a configured secret (Zoho)
	SchemeSharedSecret Scheme = "shared-secret"
)

// Reason codes are bounded-cardinality outcomes recorded in logs and metrics.
// They are never returned to callers; rejections all look the same externally.
const (
	ReasonAccepted           = "accepted"
	ReasonOperator           = "operator"
	ReasonUnknownProvider    = "unknown_provider"
	ReasonSecretUnconfigured = "secret_unconfigured"
	ReasonMissingSignature   = "missing_signature"
	ReasonInvalidSignature   = "invalid_signature"
	ReasonReplayRejected     = "replay_rejected"
	ReasonInvalidToken       = "invalid_token"
)

var (
	// ErrUnknownProvider maps to 404: the webhook path names no registered provider
	ErrUnknownProvider = errors.New("unknown webhook provider")
	// ErrUnauthorized maps to 401 for every other rejection, uniformly
	ErrUnauthorized = errors.New("webhook verification failed")
)

// ProviderConfig is one provider's verification setup.
type ProviderConfig struct {
	Scheme Scheme

	// Secret is the HMAC key or shared bearer token. Empty disables the
	// provider's public endpoint entirely.
	Secret string

	// SignatureHeader carries the digest (e.g. X-Hub-Signature-256) or the
	// timestamped signature (X-Slack-Signature).
	SignatureHeader string

	// TimestampHeader is required for SchemeTimestampedHMAC.
	TimestampHeader string

	// Tolerance is the replay window for timestamped signatures.
	Tolerance time.Duration

	// Issuers and Audience configure SchemeOIDC.
	Issuers  []string
	Audience string
}

// OperatorCheck reports whether a bearer token belongs to an authenticated
// platform operator. Operators may deliver test webhooks without signatures.
type OperatorCheck func(ctx context.Context, bearer string) bool

// Verifier applies the verification decision chain to inbound webhooks.
type Verifier struct {
	providers     map[string]ProviderConfig
	oidcVerifiers map[string]*oidcVerifier
	operatorCheck OperatorCheck
	logger        ectologger.Logger
	now           func() time.Time
}

// NewVerifier builds a verifier from per-provider configs. OIDC providers
// have their issuer metadata fetched up front so a bad issuer fails startup
// rather than the first webhook.
func NewVerifier(ctx context.Context, providers map[string]ProviderConfig, operatorCheck OperatorCheck, logger ectologger.Logger) (*Verifier, error) {
	oidcVerifiers := make(map[string]*oidcVerifier)
	for name, cfg := range providers {
		if cfg.Scheme != SchemeOIDC {
			continue
		}
		verifier, err := newOIDCVerifier(ctx, cfg.Issuers, cfg.Audience)
		if err != nil {
			return nil, err
		}
		oidcVerifiers[name] = verifier
	}

	return &Verifier{
		providers:     providers,
		oidcVerifiers: oidcVerifiers,
		operatorCheck: operatorCheck,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Verify applies the decision chain:
//  1. valid operator bearer accepts unconditionally
//  2. unknown provider rejects as not found
//  3. unconfigured secret rejects as unauthorized
//  4. the provider algorithm decides
//
// The returned error is one of ErrUnknownProvider or ErrUnauthorized; the
// detailed reason only reaches logs and metrics.
func (v *Verifier) Verify(ctx context.Context, provider string, headers http.Header, body []byte) error {
	ctx, span := tracing.StartSpan(ctx, "Verifier.Verify")
	defer span.End()

	reason := v.verify(ctx, provider, headers, body)
	metrics.WebhookVerifications.WithLabelValues(provider, reason).Inc()

	switch reason {
	case ReasonAccepted, ReasonOperator:
		return nil
	case ReasonUnknownProvider:
		v.logger.WithContext(ctx).Warnf("Webhook rejected: provider=%s reason=%s", provider, reason)
		return ErrUnknownProvider
	default:
		v.logger.WithContext(ctx).Warnf("Webhook rejected: provider=%s reason=%s", provider, reason)
		return ErrUnauthorized
	}
}

func (v *Verifier) verify(ctx context.Context, provider string, headers http.Header, body []byte) string {
	if v.operatorCheck != nil {
		if bearer := bearerToken(headers); bearer != "" && v.operatorCheck(ctx, bearer) {
			return ReasonOperator
		}
	}

	cfg, known := v.providers[provider]
	if !known {
		return ReasonUnknownProvider
	}

	if cfg.Scheme != SchemeOIDC && cfg.Secret == "" {
		return ReasonSecretUnconfigured
	}

	switch cfg.Scheme {
	case SchemeHMAC:
		return v.verifyHMAC(cfg, headers, body)
	case SchemeTimestampedHMAC:
		return v.verifyTimestampedHMAC(cfg, headers, body)
	case SchemeOIDC:
		return v.verifyOIDC(ctx, provider, headers)
	case SchemeSharedSecret:
		return v.verifySharedSecret(cfg, headers)
	default:
		return ReasonSecretUnconfigured
	}
}

func (v *Verifier) verifyOIDC(ctx context.Context, provider string, headers http.Header) string {
	verifier, ok := v.oidcVerifiers[provider]
	if !ok {
		return ReasonSecretUnconfigured
	}

	bearer := bearerToken(headers)
	if bearer == "" {
		return ReasonMissingSignature
	}

	if err := verifier.Verify(ctx, bearer); err != nil {
		return ReasonInvalidToken
	}

	return ReasonAccepted
}

func bearerToken(headers http.Header) string {
	auth := headers.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(auth, "Bearer ")
}
