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

	"github.com/poblysh/pollen/pkg/httpclient"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/oauth"
	"github.com/poblysh/pollen/pkg/signals"
	"github.com/poblysh/pollen/pkg/tracing"
)

const (
	slackAuthorizeURL = "https://slack.com/oauth/v2/authorize"
	slackAPIBase      = "https://slack.com/api"
	slackPageSize     = 100
)

var slackUserScopes = []string{"channels:history", "channels:read", "users:read"}

// slackCursor is an oldest-message watermark in Slack's ts format.
type slackCursor struct {
	Oldest string `json:"oldest"`
}

// SlackConnector syncs channel messages and receives Events API callbacks.
// Slack's OAuth v2 token response nests the user token, so the exchange goes
// through the REST endpoint directly instead of the oauth2 package.
type SlackConnector struct {
	creds      oauth.ClientCredentials
	httpClient *httpclient.Client
	logger     ectologger.Logger
}

// NewSlack creates the Slack connector
func NewSlack(creds oauth.ClientCredentials, httpClient *httpclient.Client, logger ectologger.Logger) *SlackConnector {
	return &SlackConnector{
		creds:      creds,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (s *SlackConnector) Name() string {
	return models.ProviderSlack
}

func (s *SlackConnector) Metadata() models.Provider {
	return models.Provider{
		Name:     models.ProviderSlack,
		AuthType: models.AuthTypeOAuth2,
		Scopes:   slackUserScopes,
		Webhooks: true,
	}
}

func (s *SlackConnector) AuthorizeURL(ctx context.Context, tenantID, state string) (string, error) {
	query := url.Values{
		"client_id":    {s.creds.ClientID},
		"user_scope":   {strings.Join(slackUserScopes, ",")},
		"redirect_uri": {s.creds.RedirectURL},
		"state":        {state},
	}
	return slackAuthorizeURL + "?" + query.Encode(), nil
}

func (s *SlackConnector) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	ctx, span := tracing.StartSpan(ctx, "SlackConnector.ExchangeCode")
	defer span.End()

	resp, err := s.httpClient.PostForm(ctx, slackAPIBase+"/oauth.v2.access", nil, url.Values{
		"client_id":     {s.creds.ClientID},
		"client_secret": {s.creds.ClientSecret},
		"code":          {code},
		"redirect_uri":  {s.creds.RedirectURL},
	})
	if err != nil {
		return nil, UpstreamFailuref("slack token exchange failed: %s", err)
	}
	if mapped := mapStatusError(models.ProviderSlack, resp); mapped != nil {
		return nil, mapped
	}

	var body struct {
		OK         bool   `json:"ok"`
		Error      string `json:"error"`
		AuthedUser struct {
			ID          string `json:"id"`
			AccessToken string `json:"access_token"`
		} `json:"authed_user"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return nil, UpstreamFailuref("slack token response unreadable")
	}
	if !body.OK || body.AuthedUser.AccessToken == "" {
		return nil, fmt.Errorf("%w: slack code exchange rejected", ErrAuthenticationRequired)
	}

	return &TokenSet{
		AccessToken:       body.AuthedUser.AccessToken,
		ExternalAccountID: body.AuthedUser.ID,
	}, nil
}

// RefreshToken is unsupported: Slack user tokens do not expire unless the
// workspace opts into token rotation.
func (s *SlackConnector) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	return nil, ErrUnsupported
}

func (s *SlackConnector) Sync(ctx context.Context, conn Connection, cursor json.RawMessage) (*SyncResult, error) {
	ctx, span := tracing.StartSpan(ctx, "SlackConnector.Sync")
	defer span.End()

	var cur slackCursor
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &cur); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCursor, err)
		}
	}

	channels, err := s.listChannels(ctx, conn.AccessToken)
	if err != nil {
		return nil, err
	}

	var events []signals.RawEvent
	watermark := cur.Oldest

	for _, channelID := range channels {
		messages, err := s.channelHistory(ctx, conn.AccessToken, channelID, cur.Oldest)
		if err != nil {
			return nil, err
		}

		for _, msg := range messages {
			ts, _ := msg["ts"].(string)
			if ts == "" {
				continue
			}

			msg["channel"] = channelID
			events = append(events, signals.RawEvent{
				Kind:       signals.KindMessageSent,
				ExternalID: channelID + ":" + ts,
				Timestamp:  slackTime(ts),
				Raw:        msg,
			})

			if ts > watermark {
				watermark = ts
			}
		}
	}

	nextCursor, err := json.Marshal(slackCursor{Oldest: watermark})
	if err != nil {
		return nil, err
	}

	return &SyncResult{
		Events:     events,
		NextCursor: nextCursor,
		HasMore:    false,
	}, nil
}

func (s *SlackConnector) HandleWebhook(ctx context.Context, conn Connection, envelope *models.WebhookEnvelope) ([]signals.RawEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "SlackConnector.HandleWebhook")
	defer span.End()

	if envelope.ParsedBody == nil {
		return nil, nil
	}

	callbackType, _ := envelope.ParsedBody["type"].(string)
	if callbackType != "event_callback" {
		return nil, nil
	}

	event, ok := envelope.ParsedBody["event"].(map[string]any)
	if !ok {
		return nil, nil
	}

	eventType, _ := event["type"].(string)
	if eventType != "message" {
		s.logger.WithContext(ctx).Debugf("Ignoring slack event: %s", eventType)
		return nil, nil
	}

	// Edits and deletes arrive as message subtypes; only fresh messages count.
	if subtype, _ := event["subtype"].(string); subtype != "" {
		return nil, nil
	}

	ts, _ := event["ts"].(string)
	channel, _ := event["channel"].(string)
	if ts == "" || channel == "" {
		return nil, nil
	}

	return []signals.RawEvent{{
		Kind:       signals.KindMessageSent,
		ExternalID: channel + ":" + ts,
		Timestamp:  slackTime(ts),
		Raw:        event,
	}}, nil
}

func (s *SlackConnector) listChannels(ctx context.Context, accessToken string) ([]string, error) {
	resp, err := s.slackGet(ctx, accessToken, "/conversations.list?"+url.Values{
		"types":            {"public_channel"},
		"exclude_archived": {"true"},
		"limit":            {strconv.Itoa(slackPageSize)},
	}.Encode())
	if err != nil {
		return nil, err
	}

	var body struct {
		OK       bool   `json:"ok"`
		Error    string `json:"error"`
		Channels []struct {
			ID       string `json:"id"`
			IsMember bool   `json:"is_member"`
		} `json:"channels"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return nil, UpstreamFailuref("slack channels response unreadable")
	}
	if !body.OK {
		return nil, s.mapSlackError(body.Error)
	}

	var channels []string
	for _, ch := range body.Channels {
		if ch.IsMember {
			channels = append(channels, ch.ID)
		}
	}
	return channels, nil
}

func (s *SlackConnector) channelHistory(ctx context.Context, accessToken, channelID, oldest string) ([]map[string]any, error) {
	query := url.Values{
		"channel": {channelID},
		"limit":   {strconv.Itoa(slackPageSize)},
	}
	if oldest != "" {
		query.Set("oldest", oldest)
	}

	resp, err := s.slackGet(ctx, accessToken, "/conversations.history?"+query.Encode())
	if err != nil {
		return nil, err
	}

	var body struct {
		OK       bool             `json:"ok"`
		Error    string           `json:"error"`
		Messages []map[string]any `json:"messages"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return nil, UpstreamFailuref("slack history response unreadable")
	}
	if !body.OK {
		return nil, s.mapSlackError(body.Error)
	}

	return body.Messages, nil
}

func (s *SlackConnector) slackGet(ctx context.Context, accessToken, path string) (*httpclient.Response, error) {
	resp, err := s.httpClient.Get(ctx, slackAPIBase+path, map[string]string{
		"Authorization": "Bearer " + accessToken,
	})
	if err != nil {
		return nil, UpstreamFailuref("slack request failed: %s", err)
	}
	if mapped := mapStatusError(models.ProviderSlack, resp); mapped != nil {
		return nil, mapped
	}
	return resp, nil
}

// mapSlackError handles Slack's in-band error strings; HTTP status is 200
// even for auth failures.
func (s *SlackConnector) mapSlackError(code string) error {
	switch code {
	case "invalid_auth", "token_revoked", "token_expired", "not_authed":
		return ErrAuthenticationRequired
	case "missing_scope", "access_denied":
		return ErrPermissionDenied
	case "ratelimited":
		return RateLimited(time.Minute)
	default:
		return UpstreamFailuref("slack error: %s", code)
	}
}

// slackTime converts Slack's "seconds.fraction" ts into a time.
func slackTime(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Now().UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
