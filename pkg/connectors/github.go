package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	gh "github.com/google/go-github/v80/github"
	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/oauth"
	"github.com/poblysh/pollen/pkg/signals"
	"github.com/poblysh/pollen/pkg/tracing"
)

const githubPageSize = 100

// githubCursor is a watermark over issue/PR updated_at times.
type githubCursor struct {
	UpdatedSince time.Time `json:"updated_since"`
}

// GitHubConnector syncs issues and pull requests across the repositories the
// authorized user can access.
type GitHubConnector struct {
	oauthCfg *oauth2.Config
	logger   ectologger.Logger
}

// NewGitHub creates the GitHub connector
func NewGitHub(creds oauth.ClientCredentials, logger ectologger.Logger) *GitHubConnector {
	return &GitHubConnector{
		oauthCfg: oauth.NewConfig(creds, oauthgithub.Endpoint, []string{"repo", "read:user"}),
		logger:   logger,
	}
}

func (g *GitHubConnector) Name() string {
	return models.ProviderGitHub
}

func (g *GitHubConnector) Metadata() models.Provider {
	return models.Provider{
		Name:     models.ProviderGitHub,
		AuthType: models.AuthTypeOAuth2,
		Scopes:   []string{"repo", "read:user"},
		Webhooks: true,
	}
}

func (g *GitHubConnector) AuthorizeURL(ctx context.Context, tenantID, state string) (string, error) {
	return g.oauthCfg.AuthCodeURL(state), nil
}

func (g *GitHubConnector) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	ctx, span := tracing.StartSpan(ctx, "GitHubConnector.ExchangeCode")
	defer span.End()

	token, err := g.oauthCfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: github code exchange rejected", ErrAuthenticationRequired)
	}

	client := g.client(ctx, token.AccessToken)
	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return nil, g.mapError(err)
	}

	return &TokenSet{
		AccessToken:       token.AccessToken,
		RefreshToken:      token.RefreshToken,
		ExpiresAt:         token.Expiry.UTC(),
		ExternalAccountID: user.GetLogin(),
	}, nil
}

func (g *GitHubConnector) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	ctx, span := tracing.StartSpan(ctx, "GitHubConnector.RefreshToken")
	defer span.End()

	// Classic OAuth app tokens never expire and carry no refresh token.
	if refreshToken == "" {
		return nil, ErrUnsupported
	}

	source := g.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: github token refresh rejected", ErrAuthenticationRequired)
	}

	return &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry.UTC(),
	}, nil
}

func (g *GitHubConnector) Sync(ctx context.Context, conn Connection, cursor json.RawMessage) (*SyncResult, error) {
	ctx, span := tracing.StartSpan(ctx, "GitHubConnector.Sync")
	defer span.End()

	var cur githubCursor
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &cur); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCursor, err)
		}
	}

	client := g.client(ctx, conn.AccessToken)

	repos, err := g.listRecentRepos(ctx, client, cur.UpdatedSince)
	if err != nil {
		return nil, g.mapError(err)
	}

	var events []signals.RawEvent
	watermark := cur.UpdatedSince

	for _, repo := range repos {
		repoEvents, latest, err := g.listIssueEvents(ctx, client, repo, cur.UpdatedSince)
		if err != nil {
			return nil, g.mapError(err)
		}
		events = append(events, repoEvents...)
		if latest.After(watermark) {
			watermark = latest
		}
	}

	nextCursor, err := json.Marshal(githubCursor{UpdatedSince: watermark})
	if err != nil {
		return nil, err
	}

	return &SyncResult{
		Events:     events,
		NextCursor: nextCursor,
		HasMore:    false,
	}, nil
}

func (g *GitHubConnector) HandleWebhook(ctx context.Context, conn Connection, envelope *models.WebhookEnvelope) ([]signals.RawEvent, error) {
	ctx, span := tracing.StartSpan(ctx, "GitHubConnector.HandleWebhook")
	defer span.End()

	if envelope.ParsedBody == nil {
		return nil, nil
	}

	eventType := envelope.Headers["x-github-event"]
	action, _ := envelope.ParsedBody["action"].(string)

	switch eventType {
	case "issues":
		return g.webhookIssue(envelope.ParsedBody, action), nil
	case "pull_request":
		return g.webhookPullRequest(envelope.ParsedBody, action), nil
	case "issue_comment":
		return g.webhookComment(envelope.ParsedBody, action), nil
	case "ping":
		// Delivery test from GitHub, nothing to emit.
		return nil, nil
	default:
		g.logger.WithContext(ctx).Debugf("Ignoring github webhook event: %s", eventType)
		return nil, nil
	}
}

func (g *GitHubConnector) client(ctx context.Context, accessToken string) *gh.Client {
	source := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	return gh.NewClient(oauth2.NewClient(ctx, source))
}

// listRecentRepos returns repositories with activity after since, newest
// first. One page is enough: repos are sorted by update time, so the first
// repo older than the watermark ends the scan.
func (g *GitHubConnector) listRecentRepos(ctx context.Context, client *gh.Client, since time.Time) ([]*gh.Repository, error) {
	opts := &gh.RepositoryListByAuthenticatedUserOptions{
		Visibility:  "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: githubPageSize},
	}

	repos, _, err := client.Repositories.ListByAuthenticatedUser(ctx, opts)
	if err != nil {
		return nil, err
	}

	var recent []*gh.Repository
	for _, repo := range repos {
		if !since.IsZero() && repo.GetUpdatedAt().Time.Before(since) {
			break
		}
		recent = append(recent, repo)
	}

	return recent, nil
}

func (g *GitHubConnector) listIssueEvents(ctx context.Context, client *gh.Client, repo *gh.Repository, since time.Time) ([]signals.RawEvent, time.Time, error) {
	owner := repo.GetOwner().GetLogin()
	name := repo.GetName()

	opts := &gh.IssueListByRepoOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "asc",
		ListOptions: gh.ListOptions{PerPage: githubPageSize},
	}
	if !since.IsZero() {
		opts.Since = since
	}

	var events []signals.RawEvent
	var latest time.Time

	for {
		issues, resp, err := client.Issues.ListByRepo(ctx, owner, name, opts)
		if err != nil {
			return nil, latest, err
		}

		for _, issue := range issues {
			updated := issue.GetUpdatedAt().Time
			if updated.After(latest) {
				latest = updated
			}

			events = append(events, signals.RawEvent{
				Kind:       githubIssueKind(issue),
				ExternalID: fmt.Sprintf("%d", issue.GetID()),
				Timestamp:  updated,
				Raw:        toMap(issue),
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}

	return events, latest, nil
}

func githubIssueKind(issue *gh.Issue) string {
	isPR := issue.IsPullRequest()

	switch {
	case isPR && issue.GetState() == "closed":
		// The issues endpoint cannot distinguish merged from closed; the
		// webhook path carries the merged flag and wins on dedupe.
		return signals.KindPRClosed
	case isPR && issue.GetCreatedAt().Equal(issue.GetUpdatedAt()):
		return signals.KindPRCreated
	case isPR:
		return signals.KindPRUpdated
	case issue.GetState() == "closed":
		return signals.KindIssueClosed
	case issue.GetCreatedAt().Equal(issue.GetUpdatedAt()):
		return signals.KindIssueCreated
	default:
		return signals.KindIssueUpdated
	}
}

func (g *GitHubConnector) webhookIssue(body map[string]any, action string) []signals.RawEvent {
	issue, ok := body["issue"].(map[string]any)
	if !ok {
		return nil
	}

	var kind string
	switch action {
	case "opened":
		kind = signals.KindIssueCreated
	case "closed":
		kind = signals.KindIssueClosed
	case "edited", "reopened", "labeled", "unlabeled", "assigned", "unassigned":
		kind = signals.KindIssueUpdated
	default:
		return nil
	}

	return []signals.RawEvent{{
		Kind:       kind,
		ExternalID: jsonNumberString(issue["id"]),
		Timestamp:  jsonTime(issue["updated_at"]),
		Raw:        body,
	}}
}

func (g *GitHubConnector) webhookPullRequest(body map[string]any, action string) []signals.RawEvent {
	pr, ok := body["pull_request"].(map[string]any)
	if !ok {
		return nil
	}

	merged, _ := pr["merged"].(bool)

	var kind string
	switch {
	case action == "opened":
		kind = signals.KindPRCreated
	case action == "closed" && merged:
		kind = signals.KindPRMerged
	case action == "closed":
		kind = signals.KindPRClosed
	case action == "edited" || action == "synchronize" || action == "reopened" || action == "ready_for_review":
		kind = signals.KindPRUpdated
	default:
		return nil
	}

	return []signals.RawEvent{{
		Kind:       kind,
		ExternalID: jsonNumberString(pr["id"]),
		Timestamp:  jsonTime(pr["updated_at"]),
		Raw:        body,
	}}
}

func (g *GitHubConnector) webhookComment(body map[string]any, action string) []signals.RawEvent {
	if action != "created" {
		return nil
	}

	comment, ok := body["comment"].(map[string]any)
	if !ok {
		return nil
	}

	return []signals.RawEvent{{
		Kind:       signals.KindCommentCreated,
		ExternalID: jsonNumberString(comment["id"]),
		Timestamp:  jsonTime(comment["created_at"]),
		Raw:        body,
	}}
}

// mapError translates go-github errors into the connector error taxonomy.
func (g *GitHubConnector) mapError(err error) error {
	var rateErr *gh.RateLimitError
	if ok := asError(err, &rateErr); ok {
		retryAfter := time.Until(rateErr.Rate.Reset.Time)
		if retryAfter < 0 {
			retryAfter = time.Minute
		}
		return RateLimited(retryAfter)
	}

	var abuseErr *gh.AbuseRateLimitError
	if ok := asError(err, &abuseErr); ok {
		retryAfter := time.Minute
		if abuseErr.RetryAfter != nil {
			retryAfter = *abuseErr.RetryAfter
		}
		return RateLimited(retryAfter)
	}

	var respErr *gh.ErrorResponse
	if ok := asError(err, &respErr); ok && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return ErrAuthenticationRequired
		case http.StatusForbidden:
			return ErrPermissionDenied
		default:
			if respErr.Response.StatusCode >= 500 {
				return UpstreamFailuref("github responded %d", respErr.Response.StatusCode)
			}
		}
	}

	return UpstreamFailuref("github request failed: %s", err)
}
