package connectors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalendarDeltaStep(t *testing.T) {
	tests := []struct {
		name          string
		nextSyncToken string
		nextPageToken string
		wantToken     string
		wantPage      string
		wantDone      bool
	}{
		{
			name:          "final page adopts the new sync token",
			nextSyncToken: "sync-2",
			wantToken:     "sync-2",
			wantDone:      true,
		},
		{
			name:          "mid-delta page keeps walking",
			nextPageToken: "page-2",
			wantToken:     "sync-1",
			wantPage:      "page-2",
			wantDone:      false,
		},
		{
			name:      "no tokens at all keeps the current one",
			wantToken: "sync-1",
			wantDone:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, page, done := calendarDeltaStep("sync-1", tt.nextSyncToken, tt.nextPageToken)
			assert.Equal(t, tt.wantToken, token)
			assert.Equal(t, tt.wantPage, page)
			assert.Equal(t, tt.wantDone, done)
		})
	}
}

func TestCalendarDeltaStep_MultiPageDeltaTerminates(t *testing.T) {
	// A three page delta: the walk must reach the new sync token rather
	// than settling for the old one while pages remain
	pages := []struct{ nextSync, nextPage string }{
		{"", "page-2"},
		{"", "page-3"},
		{"sync-2", ""},
	}

	token := "sync-1"
	pageToken := ""
	steps := 0
	for _, p := range pages {
		var done bool
		token, pageToken, done = calendarDeltaStep(token, p.nextSync, p.nextPage)
		steps++
		if done {
			break
		}
	}

	assert.Equal(t, 3, steps)
	assert.Equal(t, "sync-2", token)
	assert.Empty(t, pageToken)
}

func TestGmailAdvanceCursor(t *testing.T) {
	cur := gmailCursor{HistoryID: 100}

	t.Run("mid-listing holds the watermark and carries the page token", func(t *testing.T) {
		next := gmailAdvanceCursor(cur, 150, 200, "page-2")
		assert.Equal(t, uint64(100), next.HistoryID)
		assert.Equal(t, "page-2", next.PageToken)
	})

	t.Run("final page adopts the highest record id", func(t *testing.T) {
		next := gmailAdvanceCursor(cur, 150, 0, "")
		assert.Equal(t, uint64(150), next.HistoryID)
		assert.Empty(t, next.PageToken)
	})

	t.Run("final page prefers the list history id when higher", func(t *testing.T) {
		next := gmailAdvanceCursor(cur, 150, 200, "")
		assert.Equal(t, uint64(200), next.HistoryID)
	})

	t.Run("empty listing keeps the old watermark", func(t *testing.T) {
		next := gmailAdvanceCursor(cur, 100, 0, "")
		assert.Equal(t, uint64(100), next.HistoryID)
	})
}
