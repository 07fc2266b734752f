package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/oauth2"

	"github.com/poblysh/pollen/pkg/httpclient"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/oauth"
	"github.com/poblysh/pollen/pkg/signals"
	"github.com/poblysh/pollen/pkg/tracing"
)

const (
	zohoMailAPIBase  = "https://mail.zoho.com/api"
	zohoMailPageSize = 100
)

var zohoEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.zoho.com/oauth/v2/auth",
	TokenURL: "https://accounts.zoho.com/oauth/v2/token",
}

var zohoMailScopes = []string{"ZohoMail.messages.READ", "ZohoMail.accounts.READ"}

// zohoMailCursor tracks the mail account resolved on first sync and a
// received-time watermark in epoch milliseconds.
type zohoMailCursor struct {
	AccountID string `json:"account_id"`
	SinceMS   int64  `json:"since_ms"`
}

// ZohoMailConnector syncs mailbox activity through the Zoho Mail REST API.
type ZohoMailConnector struct {
	oauthCfg   *oauth2.Config
	httpClient *httpclient.Client
	logger     ectologger.Logger
}

// NewZohoMail creates the Zoho Mail connector
func NewZohoMail(creds oauth.ClientCredentials, httpClient *httpclient.Client, logger ectologger.Logger) *ZohoMailConnector {
	return &ZohoMailConnector{
		oauthCfg:   oauth.NewConfig(creds, zohoEndpoint, zohoMailScopes),
		httpClient: httpClient,
		logger:     logger,
	}
}

func (z *ZohoMailConnector) Name() string {
	return models.ProviderZohoMail
}

func (z *ZohoMailConnector) Metadata() models.Provider {
	return models.Provider{
		Name:     models.ProviderZohoMail,
		AuthType: models.AuthTypeOAuth2,
		Scopes:   zohoMailScopes,
		Webhooks: true,
	}
}

func (z *ZohoMailConnector) AuthorizeURL(ctx context.Context, tenantID, state string) (string, error) {
	return z.oauthCfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("access_type", "offline"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

func (z *ZohoMailConnector) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	ctx, span := tracing.StartSpan(ctx, "ZohoMailConnector.ExchangeCode")
	defer span.End()

	token, err := z.oauthCfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: zoho code exchange rejected", ErrAuthenticationRequired)
	}

	_, email, err := z.primaryAccount(ctx, token.AccessToken)
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

func (z *ZohoMailConnector) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	ctx, span := tracing.StartSpan(ctx, "ZohoMailConnector.RefreshToken")
	defer span.End()

	source := z.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: zoho token refresh rejected", ErrAuthenticationRequired)
	}

	return &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry.UTC(),
	}, nil
}

func (z *ZohoMailConnector) Sync(ctx context.Context, conn Connection, cursor json.RawMessage) (*SyncResult, error) {
	ctx, span := tracing.StartSpan(ctx, "ZohoMailConnector.Sync")
	defer span.End()

	var cur zohoMailCursor
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &cur); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCursor, err)
		}
	}

	if cur.AccountID == "" {
		accountID, _, err := z.primaryAccount(ctx, conn.AccessToken)
		if err != nil {
			return nil, err
		}
		cur.AccountID = accountID
	}

	listURL := fmt.Sprintf("%s/accounts/%s/messages/view?%s", zohoMailAPIBase, cur.AccountID, url.Values{
		"limit":  {strconv.Itoa(zohoMailPageSize)},
		"sortBy": {"receivedTime"},
	}.Encode())

	resp, err := z.get(ctx, conn.AccessToken, listURL)
	if err != nil {
		return nil, err
	}

	var body struct {
		Data []map[string]any `json:"data"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return nil, UpstreamFailuref("zoho mail list response unreadable")
	}

	var events []signals.RawEvent
	watermark := cur.SinceMS

	for _, msg := range body.Data {
		receivedMS := zohoEpochMS(msg["receivedTime"])
		if receivedMS <= cur.SinceMS {
			continue
		}
		if receivedMS > watermark {
			watermark = receivedMS
		}

		id := jsonNumberString(msg["messageId"])
		if id == "" {
			continue
		}

		events = append(events, signals.RawEvent{
			Kind:       zohoMailKind(msg),
			ExternalID: id,
			Timestamp:  time.UnixMilli(receivedMS).UTC(),
			Raw:        msg,
		})
	}

	nextCursor, err := json.Marshal(zohoMailCursor{AccountID: cur.AccountID, SinceMS: watermark})
	if err != nil {
		return nil, err
	}

	return &SyncResult{
		Events:     events,
		NextCursor: nextCursor,
		HasMore:    false,
	}, nil
}

func (z *ZohoMailConnector) HandleWebhook(ctx context.Context, conn Connection, envelope *models.WebhookEnvelope) ([]signals.RawEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "ZohoMailConnector.HandleWebhook")
	defer span.End()

	if envelope.ParsedBody == nil {
		return nil, nil
	}

	id := jsonNumberString(envelope.ParsedBody["messageId"])
	if id == "" {
		z.logger.WithContext(ctx).Debug("Ignoring zoho-mail webhook without messageId")
		return nil, nil
	}

	ts := time.Now().UTC()
	if ms := zohoEpochMS(envelope.ParsedBody["receivedTime"]); ms > 0 {
		ts = time.UnixMilli(ms).UTC()
	}

	return []signals.RawEvent{{
		Kind:       signals.KindMailReceived,
		ExternalID: id,
		Timestamp:  ts,
		Raw:        envelope.ParsedBody,
	}}, nil
}

func (z *ZohoMailConnector) primaryAccount(ctx context.Context, accessToken string) (string, string, error) {
	resp, err := z.get(ctx, accessToken, zohoMailAPIBase+"/accounts")
	if err != nil {
		return "", "", err
	}

	var body struct {
		Data []struct {
			AccountID    string `json:"accountId"`
			PrimaryEmail string `json:"primaryEmailAddress"`
		} `json:"data"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return "", "", UpstreamFailuref("zoho mail accounts response unreadable")
	}
	if len(body.Data) == 0 {
		return "", "", fmt.Errorf("%w: no zoho mail accounts", ErrPermissionDenied)
	}

	return body.Data[0].AccountID, body.Data[0].PrimaryEmail, nil
}

func (z *ZohoMailConnector) get(ctx context.Context, accessToken, requestURL string) (*httpclient.Response, error) {
	resp, err := z.httpClient.Get(ctx, requestURL, map[string]string{
		"Authorization": "Zoho-oauthtoken " + accessToken,
		"Accept":        "application/json",
	})
	if err != nil {
		return nil, UpstreamFailuref("zoho mail request failed: %s", err)
	}
	if mapped := mapStatusError(models.ProviderZohoMail, resp); mapped != nil {
		return nil, mapped
	}
	return resp, nil
}

// zohoMailKind classifies a message by its folder name.
func zohoMailKind(msg map[string]any) string {
	if folder, _ := msg["folderName"].(string); strings.EqualFold(folder, "sent") {
		return signals.KindMailSent
	}
	return signals.KindMailReceived
}

func zohoEpochMS(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		ms, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0
		}
		return ms
	default:
		return 0
	}
}
