package webhooks

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// oidcVerifier validates push-system bearer tokens against an issuer
// allow-list and an exact audience. Signer keys are fetched and cached by the
// underlying oidc package, keyed by kid.
type oidcVerifier struct {
	verifiers []*oidc.IDTokenVerifier
}

func newOIDCVerifier(ctx context.Context, issuers []string, audience string) (*oidcVerifier, error) {
	if len(issuers) == 0 {
		return nil, fmt.Errorf("oidc verification requires at least one issuer")
	}
	if audience == "" {
		return nil, fmt.Errorf("oidc verification requires an audience")
	}

	verifiers := make([]*oidc.IDTokenVerifier, 0, len(issuers))
	for _, issuer := range issuers {
		provider, err := oidc.NewProvider(ctx, issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc issuer %s: %w", issuer, err)
		}
		verifiers = append(verifiers, provider.Verifier(&oidc.Config{
			ClientID: audience,
		}))
	}

	return &oidcVerifier{verifiers: verifiers}, nil
}

// Verify accepts the token when any allow-listed issuer signed it for our
// audience. Signature, expiry and issuer checks all happen inside the oidc
// package.
func (o *oidcVerifier) Verify(ctx context.Context, rawToken string) error {
	var lastErr error
	for _, verifier := range o.verifiers {
		if _, err := verifier.Verify(ctx, rawToken); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}
