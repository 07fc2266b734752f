package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/poblysh/pollen/pkg/httpclient"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/oauth"
	"github.com/poblysh/pollen/pkg/signals"
	"github.com/poblysh/pollen/pkg/tracing"
)

const gmailPageSize = 100

// gmailCursor holds the mailbox history watermark. The first sync records the
// profile's current history ID and emits nothing. PageToken is set only
// mid-listing; the watermark must not advance until every page behind it has
// been read.
type gmailCursor struct {
	HistoryID uint64 `json:"history_id"`
	PageToken string `json:"page_token,omitempty"`
}

// GmailConnector syncs mail activity through the Gmail History API.
type GmailConnector struct {
	googleBase
}

// NewGmail creates the Gmail connector
func NewGmail(creds oauth.ClientCredentials, httpClient *httpclient.Client, logger ectologger.Logger) *GmailConnector {
	return &GmailConnector{
		googleBase: newGoogleBase(
			models.ProviderGmail,
			[]string{gmail.GmailMetadataScope, "email"},
			creds, httpClient, logger,
		),
	}
}

func (g *GmailConnector) Sync(ctx context.Context, conn Connection, cursor json.RawMessage) (*SyncResult, error) {
	ctx, span := tracing.StartSpan(ctx, "GmailConnector.Sync")
	defer span.End()

	var cur gmailCursor
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &cur); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCursor, err)
		}
	}

	service, err := gmail.NewService(ctx, option.WithTokenSource(staticTokenSource(conn.AccessToken)))
	if err != nil {
		return nil, UpstreamFailuref("gmail service init failed: %s", err)
	}

	if cur.HistoryID == 0 {
		profile, err := service.Users.GetProfile("me").Context(ctx).Do()
		if err != nil {
			return nil, mapGoogleError(models.ProviderGmail, err)
		}

		nextCursor, err := json.Marshal(gmailCursor{HistoryID: profile.HistoryId})
		if err != nil {
			return nil, err
		}
		return &SyncResult{NextCursor: nextCursor, HasMore: false}, nil
	}

	call := service.Users.History.List("me").
		StartHistoryId(cur.HistoryID).
		HistoryTypes("messageAdded").
		MaxResults(gmailPageSize)
	if cur.PageToken != "" {
		call = call.PageToken(cur.PageToken)
	}
	history, err := call.Context(ctx).Do()
	if err != nil {
		return nil, mapGoogleError(models.ProviderGmail, err)
	}

	var events []signals.RawEvent
	watermark := cur.HistoryID

	for _, record := range history.History {
		if record.Id > watermark {
			watermark = record.Id
		}

		for _, added := range record.MessagesAdded {
			if added.Message == nil {
				continue
			}

			events = append(events, signals.RawEvent{
				Kind:       gmailMessageKind(added.Message.LabelIds),
				ExternalID: added.Message.Id,
				Timestamp:  gmailInternalTime(added.Message.InternalDate),
				Raw:        toMap(added.Message),
			})
		}
	}

	nextCursor, err := json.Marshal(gmailAdvanceCursor(cur, watermark, history.HistoryId, history.NextPageToken))
	if err != nil {
		return nil, err
	}

	return &SyncResult{
		Events:     events,
		NextCursor: nextCursor,
		HasMore:    history.NextPageToken != "",
	}, nil
}

// gmailAdvanceCursor decides the cursor after one history page. While pages
// remain the watermark stays put and only the page token moves; adopting the
// list history ID early would skip every page not yet fetched. The watermark
// advances once the final page is in.
func gmailAdvanceCursor(cur gmailCursor, watermark, listHistoryID uint64, nextPageToken string) gmailCursor {
	if nextPageToken != "" {
		return gmailCursor{HistoryID: cur.HistoryID, PageToken: nextPageToken}
	}
	if listHistoryID > watermark {
		watermark = listHistoryID
	}
	return gmailCursor{HistoryID: watermark}
}

// HandleWebhook acks Pub/Sub push notifications. The notification only names
// the mailbox and a history ID; the enqueued sync job reads the history.
func (g *GmailConnector) HandleWebhook(ctx context.Context, conn Connection, envelope *models.WebhookEnvelope) ([]signals.RawEvent, error) {
	return nil, nil
}

func gmailMessageKind(labelIDs []string) string {
	for _, label := range labelIDs {
		if label == "SENT" {
			return signals.KindMailSent
		}
	}
	return signals.KindMailReceived
}

func gmailInternalTime(internalDate int64) time.Time {
	if internalDate <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(internalDate).UTC()
}
