package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/oauth2"

	"github.com/poblysh/pollen/pkg/backoff"
	"github.com/poblysh/pollen/pkg/httpclient"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/oauth"
	"github.com/poblysh/pollen/pkg/signals"
	"github.com/poblysh/pollen/pkg/tracing"
)

const (
	jiraAPIBase      = "https://api.atlassian.com"
	jiraPageSize     = 100
	jiraTimeLayout   = "2006-01-02T15:04:05.000-0700"
	jiraJQLTimestamp = "2006-01-02 15:04"
)

var jiraEndpoint = oauth2.Endpoint{
	AuthURL:  "https://auth.atlassian.com/authorize",
	TokenURL: "https://auth.atlassian.com/oauth/token",
}

// jiraCursor tracks the updated-time watermark and the cloud site resolved on
// the first sync.
type jiraCursor struct {
	CloudID      string    `json:"cloud_id"`
	UpdatedSince time.Time `json:"updated_since"`
}

// JiraConnector syncs issue activity through the Jira Cloud REST API.
type JiraConnector struct {
	oauthCfg   *oauth2.Config
	httpClient *httpclient.Client
	logger     ectologger.Logger
}

// NewJira creates the Jira connector
func NewJira(creds oauth.ClientCredentials, httpClient *httpclient.Client, logger ectologger.Logger) *JiraConnector {
	return &JiraConnector{
		oauthCfg:   oauth.NewConfig(creds, jiraEndpoint, []string{"read:jira-work", "read:me", "offline_access"}),
		httpClient: httpClient,
		logger:     logger,
	}
}

func (j *JiraConnector) Name() string {
	return models.ProviderJira
}

func (j *JiraConnector) Metadata() models.Provider {
	return models.Provider{
		Name:     models.ProviderJira,
		AuthType: models.AuthTypeOAuth2,
		Scopes:   []string{"read:jira-work", "read:me", "offline_access"},
		Webhooks: true,
	}
}

func (j *JiraConnector) AuthorizeURL(ctx context.Context, tenantID, state string) (string, error) {
	return j.oauthCfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("audience", "api.atlassian.com"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

func (j *JiraConnector) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	ctx, span := tracing.StartSpan(ctx, "JiraConnector.ExchangeCode")
	defer span.End()

	token, err := j.oauthCfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: jira code exchange rejected", ErrAuthenticationRequired)
	}

	var me struct {
		AccountID string `json:"account_id"`
		Email     string `json:"email"`
	}
	resp, err := j.get(ctx, token.AccessToken, jiraAPIBase+"/me")
	if err != nil {
		return nil, err
	}
	if err := resp.DecodeJSON(&me); err != nil {
		return nil, UpstreamFailuref("jira identity response unreadable")
	}

	return &TokenSet{
		AccessToken:       token.AccessToken,
		RefreshToken:      token.RefreshToken,
		ExpiresAt:         token.Expiry.UTC(),
		ExternalAccountID: me.AccountID,
	}, nil
}

func (j *JiraConnector) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	ctx, span := tracing.StartSpan(ctx, "JiraConnector.RefreshToken")
	defer span.End()

	source := j.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: jira token refresh rejected", ErrAuthenticationRequired)
	}

	return &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry.UTC(),
	}, nil
}

func (j *JiraConnector) Sync(ctx context.Context, conn Connection, cursor json.RawMessage) (*SyncResult, error) {
	ctx, span := tracing.StartSpan(ctx, "JiraConnector.Sync")
	defer span.End()

	var cur jiraCursor
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &cur); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCursor, err)
		}
	}

	if cur.CloudID == "" {
		cloudID, err := j.resolveCloudID(ctx, conn.AccessToken)
		if err != nil {
			return nil, err
		}
		cur.CloudID = cloudID
	}

	jql := "order by updated asc"
	if !cur.UpdatedSince.IsZero() {
		jql = fmt.Sprintf("updated >= %q order by updated asc", cur.UpdatedSince.UTC().Format(jiraJQLTimestamp))
	}

	searchURL := fmt.Sprintf("%s/ex/jira/%s/rest/api/3/search?%s", jiraAPIBase, cur.CloudID, url.Values{
		"jql":        {jql},
		"maxResults": {fmt.Sprintf("%d", jiraPageSize)},
		"fields":     {"summary,status,created,updated,project,issuetype,assignee,reporter"},
	}.Encode())

	resp, err := j.get(ctx, conn.AccessToken, searchURL)
	if err != nil {
		return nil, err
	}

	var search struct {
		Total  int              `json:"total"`
		Issues []map[string]any `json:"issues"`
	}
	if err := resp.DecodeJSON(&search); err != nil {
		return nil, UpstreamFailuref("jira search response unreadable")
	}

	var events []signals.RawEvent
	watermark := cur.UpdatedSince

	for _, issue := range search.Issues {
		event, updated, ok := j.issueEvent(issue)
		if !ok {
			continue
		}
		events = append(events, event)
		if updated.After(watermark) {
			watermark = updated
		}
	}

	nextCursor, err := json.Marshal(jiraCursor{CloudID: cur.CloudID, UpdatedSince: watermark})
	if err != nil {
		return nil, err
	}

	return &SyncResult{
		Events:     events,
		NextCursor: nextCursor,
		HasMore:    search.Total > len(search.Issues),
	}, nil
}

func (j *JiraConnector) HandleWebhook(ctx context.Context, conn Connection, envelope *models.WebhookEnvelope) ([]signals.RawEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "JiraConnector.HandleWebhook")
	defer span.End()

	if envelope.ParsedBody == nil {
		return nil, nil
	}

	webhookEvent, _ := envelope.ParsedBody["webhookEvent"].(string)

	switch webhookEvent {
	case "jira:issue_created", "jira:issue_updated":
		issue, ok := envelope.ParsedBody["issue"].(map[string]any)
		if !ok {
			return nil, nil
		}

		kind := signals.KindIssueUpdated
		if webhookEvent == "jira:issue_created" {
			kind = signals.KindIssueCreated
		} else if jiraStatusDone(issue) {
			kind = signals.KindIssueClosed
		}

		return []signals.RawEvent{{
			Kind:       kind,
			ExternalID: jsonNumberString(issue["id"]),
			Timestamp:  jiraFieldTime(issue, "updated"),
			Raw:        envelope.ParsedBody,
		}}, nil
	case "comment_created":
		comment, ok := envelope.ParsedBody["comment"].(map[string]any)
		if !ok {
			return nil, nil
		}

		return []signals.RawEvent{{
			Kind:       signals.KindCommentCreated,
			ExternalID: jsonNumberString(comment["id"]),
			Timestamp:  jiraTime(comment["created"]),
			Raw:        envelope.ParsedBody,
		}}, nil
	default:
		j.logger.WithContext(ctx).Debugf("Ignoring jira webhook event: %s", webhookEvent)
		return nil, nil
	}
}

func (j *JiraConnector) resolveCloudID(ctx context.Context, accessToken string) (string, error) {
	resp, err := j.get(ctx, accessToken, jiraAPIBase+"/oauth/token/accessible-resources")
	if err != nil {
		return "", err
	}

	var resources []struct {
		ID string `json:"id"`
	}
	if err := resp.DecodeJSON(&resources); err != nil {
		return "", UpstreamFailuref("jira accessible-resources response unreadable")
	}
	if len(resources) == 0 {
		return "", fmt.Errorf("%w: no accessible jira sites", ErrPermissionDenied)
	}

	return resources[0].ID, nil
}

func (j *JiraConnector) get(ctx context.Context, accessToken, requestURL string) (*httpclient.Response, error) {
	resp, err := j.httpClient.Get(ctx, requestURL, map[string]string{
		"Authorization": "Bearer " + accessToken,
		"Accept":        "application/json",
	})
	if err != nil {
		return nil, UpstreamFailuref("jira request failed: %s", err)
	}

	if mapped := mapStatusError("jira", resp); mapped != nil {
		return nil, mapped
	}

	return resp, nil
}

func (j *JiraConnector) issueEvent(issue map[string]any) (signals.RawEvent, time.Time, bool) {
	id := jsonNumberString(issue["id"])
	if id == "" {
		return signals.RawEvent{}, time.Time{}, false
	}

	created := jiraFieldTime(issue, "created")
	updated := jiraFieldTime(issue, "updated")

	kind := signals.KindIssueUpdated
	switch {
	case jiraStatusDone(issue):
		kind = signals.KindIssueClosed
	case created.Equal(updated):
		kind = signals.KindIssueCreated
	}

	return signals.RawEvent{
		Kind:       kind,
		ExternalID: id,
		Timestamp:  updated,
		Raw:        issue,
	}, updated, true
}

func jiraStatusDone(issue map[string]any) bool {
	fields, _ := issue["fields"].(map[string]any)
	status, _ := fields["status"].(map[string]any)
	category, _ := status["statusCategory"].(map[string]any)
	key, _ := category["key"].(string)
	return key == "done"
}

func jiraFieldTime(issue map[string]any, field string) time.Time {
	fields, _ := issue["fields"].(map[string]any)
	return jiraTime(fields[field])
}

func jiraTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Now().UTC()
	}
	ts, err := time.Parse(jiraTimeLayout, s)
	if err != nil {
		return jsonTime(s)
	}
	return ts.UTC()
}

// mapStatusError translates REST status codes into the connector error
// taxonomy. Shared by the connectors that call providers over plain HTTP.
func mapStatusError(provider string, resp *httpclient.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuthenticationRequired
	case resp.StatusCode == http.StatusForbidden:
		return ErrPermissionDenied
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, err := backoff.ParseRetryAfter(resp.RetryAfter())
		if err != nil || retryAfter <= 0 {
			retryAfter = time.Minute
		}
		return RateLimited(retryAfter)
	case resp.StatusCode >= 500:
		return UpstreamFailuref("%s responded %d", provider, resp.StatusCode)
	case resp.StatusCode >= 400:
		return UpstreamFailuref("%s rejected request with %d", provider, resp.StatusCode)
	default:
		return nil
	}
}
