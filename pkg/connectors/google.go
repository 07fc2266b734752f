package connectors

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/oauth2"
	oauthgoogle "golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"

	"github.com/poblysh/pollen/pkg/httpclient"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/oauth"
	"github.com/poblysh/pollen/pkg/tracing"
)

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// googleBase carries the OAuth plumbing shared by the Drive, Calendar and
// Gmail connectors. Each of those differs only in scopes and sync semantics.
type googleBase struct {
	name       string
	scopes     []string
	oauthCfg   *oauth2.Config
	httpClient *httpclient.Client
	logger     ectologger.Logger
}

func newGoogleBase(name string, scopes []string, creds oauth.ClientCredentials, httpClient *httpclient.Client, logger ectologger.Logger) googleBase {
	return googleBase{
		name:       name,
		scopes:     scopes,
		oauthCfg:   oauth.NewConfig(creds, oauthgoogle.Endpoint, scopes),
		httpClient: httpClient,
		logger:     logger,
	}
}

func (b *googleBase) Name() string {
	return b.name
}

func (b *googleBase) Metadata() models.Provider {
	return models.Provider{
		Name:     b.name,
		AuthType: models.AuthTypeOAuth2,
		Scopes:   b.scopes,
		Webhooks: true,
	}
}

func (b *googleBase) AuthorizeURL(ctx context.Context, tenantID, state string) (string, error) {
	// Offline access with forced consent, otherwise Google omits the
	// refresh token on repeat authorizations.
	return b.oauthCfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

func (b *googleBase) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	ctx, span := tracing.StartSpan(ctx, fmt.Sprintf("%s.ExchangeCode", b.name))
	defer span.End()

	token, err := b.oauthCfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: google code exchange rejected", ErrAuthenticationRequired)
	}

	email, err := b.userEmail(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}

	return &TokenSet{
		AccessToken:       token.AccessToken,
		RefreshToken:      token.RefreshToken,
		ExpiresAt:         token.Expiry.UTC(),
		ExternalAccountID: email,
	}, nil
}

func (b *googleBase) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	ctx, span := tracing.StartSpan(ctx, fmt.Sprintf("%s.RefreshToken", b.name))
	defer span.End()

	source := b.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: google token refresh rejected", ErrAuthenticationRequired)
	}

	return &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry.UTC(),
	}, nil
}

func (b *googleBase) userEmail(ctx context.Context, accessToken string) (string, error) {
	resp, err := b.httpClient.Get(ctx, googleUserInfoURL, map[string]string{
		"Authorization": "Bearer " + accessToken,
	})
	if err != nil {
		return "", UpstreamFailuref("google userinfo request failed: %s", err)
	}
	if mapped := mapStatusError(b.name, resp); mapped != nil {
		return "", mapped
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := resp.DecodeJSON(&info); err != nil {
		return "", UpstreamFailuref("google userinfo response unreadable")
	}

	return info.Email, nil
}

// staticTokenSource builds the token source for one sync invocation. The
// executor already refreshed the token; the SDK must not refresh on its own.
func staticTokenSource(accessToken string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
}

// mapGoogleError translates googleapi errors into the connector taxonomy.
func mapGoogleError(provider string, err error) error {
	var apiErr *googleapi.Error
	if !asError(err, &apiErr) {
		return UpstreamFailuref("%s request failed: %s", provider, err)
	}

	switch apiErr.Code {
	case http.StatusUnauthorized:
		return ErrAuthenticationRequired
	case http.StatusForbidden:
		for _, e := range apiErr.Errors {
			if strings.Contains(e.Reason, "ateLimit") {
				return RateLimited(time.Minute)
			}
		}
		return ErrPermissionDenied
	case http.StatusTooManyRequests:
		return RateLimited(time.Minute)
	case http.StatusGone:
		// Sync token or page token expired upstream.
		return ErrInvalidCursor
	default:
		if apiErr.Code >= 500 {
			return UpstreamFailuref("%s responded %d", provider, apiErr.Code)
		}
		return UpstreamFailuref("%s rejected request with %d", provider, apiErr.Code)
	}
}
