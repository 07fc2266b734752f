package connectors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Gobusters/ectologger"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/poblysh/pollen/pkg/httpclient"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/oauth"
	"github.com/poblysh/pollen/pkg/signals"
	"github.com/poblysh/pollen/pkg/tracing"
)

const calendarPageSize = 100

// calendarCursor holds the Events API sync token. The first sync walks the
// full event list to obtain a token but emits nothing; only changes after
// the connection produce signals.
type calendarCursor struct {
	SyncToken string `json:"sync_token"`
}

// GoogleCalendarConnector syncs the primary calendar through sync tokens.
type GoogleCalendarConnector struct {
	googleBase
}

// NewGoogleCalendar creates the Google Calendar connector
func NewGoogleCalendar(creds oauth.ClientCredentials, httpClient *httpclient.Client, logger ectologger.Logger) *GoogleCalendarConnector {
	return &GoogleCalendarConnector{
		googleBase: newGoogleBase(
			models.ProviderGoogleCalendar,
			[]string{calendar.CalendarEventsReadonlyScope, "email"},
			creds, httpClient, logger,
		),
	}
}

func (g *GoogleCalendarConnector) Sync(ctx context.Context, conn Connection, cursor json.RawMessage) (*SyncResult, error) {
	ctx, span := tracing.StartSpan(ctx, "GoogleCalendarConnector.Sync")
	defer span.End()

	var cur calendarCursor
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &cur); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCursor, err)
		}
	}

	service, err := calendar.NewService(ctx, option.WithTokenSource(staticTokenSource(conn.AccessToken)))
	if err != nil {
		return nil, UpstreamFailuref("calendar service init failed: %s", err)
	}

	if cur.SyncToken == "" {
		return g.establishSyncToken(ctx, service)
	}

	// A delta spanning several pages only yields NextSyncToken on the last
	// one, so the whole delta is drained here. Returning mid-delta would
	// hand back the old token and replay the same first page.
	var raw []signals.RawEvent
	next := cur.SyncToken
	pageToken := ""
	for {
		call := service.Events.List("primary").
			SyncToken(cur.SyncToken).
			MaxResults(calendarPageSize)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		events, err := call.Context(ctx).Do()
		if err != nil {
			return nil, mapGoogleError(models.ProviderGoogleCalendar, err)
		}

		for _, item := range events.Items {
			event := signals.RawEvent{
				ExternalID: item.Id,
				Timestamp:  jsonTime(item.Updated),
				Raw:        toMap(item),
			}

			switch {
			case item.Status == "cancelled":
				event.Kind = signals.KindEventDeleted
			case item.Created == item.Updated:
				event.Kind = signals.KindEventCreated
			default:
				event.Kind = signals.KindEventUpdated
			}

			raw = append(raw, event)
		}

		var done bool
		next, pageToken, done = calendarDeltaStep(next, events.NextSyncToken, events.NextPageToken)
		if done {
			break
		}
	}

	nextCursor, err := json.Marshal(calendarCursor{SyncToken: next})
	if err != nil {
		return nil, err
	}

	return &SyncResult{
		Events:     raw,
		NextCursor: nextCursor,
	}, nil
}

// calendarDeltaStep decides how a sync-token walk advances after one page.
// Google withholds NextSyncToken until the final page, so the walk must not
// stop with the old token while pages remain; doing so would replay the same
// first page on every continuation.
func calendarDeltaStep(current, nextSyncToken, nextPageToken string) (syncToken, pageToken string, done bool) {
	if nextSyncToken != "" {
		return nextSyncToken, "", true
	}
	if nextPageToken == "" {
		return current, "", true
	}
	return current, nextPageToken, false
}

// establishSyncToken pages through the existing event list without emitting
// anything. Google only hands out the sync token on the last page.
func (g *GoogleCalendarConnector) establishSyncToken(ctx context.Context, service *calendar.Service) (*SyncResult, error) {
	call := service.Events.List("primary").MaxResults(calendarPageSize)

	var syncToken string
	pageToken := ""
	for {
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		events, err := call.Context(ctx).Do()
		if err != nil {
			return nil, mapGoogleError(models.ProviderGoogleCalendar, err)
		}

		if events.NextSyncToken != "" {
			syncToken = events.NextSyncToken
			break
		}
		if events.NextPageToken == "" {
			break
		}
		pageToken = events.NextPageToken
	}

	nextCursor, err := json.Marshal(calendarCursor{SyncToken: syncToken})
	if err != nil {
		return nil, err
	}

	return &SyncResult{NextCursor: nextCursor, HasMore: false}, nil
}

// HandleWebhook acks Calendar watch notifications. They carry no event data;
// the platform enqueues a sync job that pulls the changes.
func (g *GoogleCalendarConnector) HandleWebhook(ctx context.Context, conn Connection, envelope *models.WebhookEnvelope) ([]signals.RawEvent, error) {
	return nil, nil
}
