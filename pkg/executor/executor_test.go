package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poblysh/pollen/pkg/backoff"
	"github.com/poblysh/pollen/pkg/connectors"
	"github.com/poblysh/pollen/pkg/database"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/redis"
	"github.com/poblysh/pollen/pkg/signals"
	"github.com/poblysh/pollen/pkg/vault"
)

func silentLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeConnector struct {
	syncFn    func(ctx context.Context, conn connectors.Connection, cursor json.RawMessage) (*connectors.SyncResult, error)
	refreshFn func(ctx context.Context, refreshToken string) (*connectors.TokenSet, error)
	webhookFn func(ctx context.Context, conn connectors.Connection, envelope *models.WebhookEnvelope) ([]signals.RawEvent, error)
}

func (f *fakeConnector) Name() string              { return models.ProviderGitHub }
func (f *fakeConnector) Metadata() models.Provider { return models.Provider{Name: models.ProviderGitHub} }
func (f *fakeConnector) AuthorizeURL(ctx context.Context, tenantID, state string) (string, error) {
	return "", connectors.ErrUnsupported
}
func (f *fakeConnector) ExchangeCode(ctx context.Context, code string) (*connectors.TokenSet, error) {
	return nil, connectors.ErrUnsupported
}
func (f *fakeConnector) RefreshToken(ctx context.Context, refreshToken string) (*connectors.TokenSet, error) {
	if f.refreshFn == nil {
		return nil, connectors.ErrUnsupported
	}
	return f.refreshFn(ctx, refreshToken)
}
func (f *fakeConnector) Sync(ctx context.Context, conn connectors.Connection, cursor json.RawMessage) (*connectors.SyncResult, error) {
	if f.syncFn == nil {
		return &connectors.SyncResult{}, nil
	}
	return f.syncFn(ctx, conn, cursor)
}
func (f *fakeConnector) HandleWebhook(ctx context.Context, conn connectors.Connection, envelope *models.WebhookEnvelope) ([]signals.RawEvent, error) {
	if f.webhookFn == nil {
		return nil, nil
	}
	return f.webhookFn(ctx, conn, envelope)
}

type fakeConnections struct {
	conn            *models.Connection
	updatedAccess   []byte
	updatedRefresh  []byte
	updatedMetadata *database.JSONB[models.ConnectionMetadata]
}

func (f *fakeConnections) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	return f.conn, nil
}

func (f *fakeConnections) UpdateTokens(ctx context.Context, id uuid.UUID, accessCiphertext, refreshCiphertext []byte, expiresAt *time.Time) error {
	f.updatedAccess = accessCiphertext
	f.updatedRefresh = refreshCiphertext
	return nil
}

func (f *fakeConnections) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata database.JSONB[models.ConnectionMetadata]) error {
	f.updatedMetadata = &metadata
	return nil
}

type fakeJobs struct {
	state       models.JobState
	errMsg      string
	cursorOut   json.RawMessage
	incremented bool
	created     []*models.SyncJob
}

func (f *fakeJobs) Create(ctx context.Context, job *models.SyncJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	f.created = append(f.created, job)
	return nil
}

func (f *fakeJobs) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeJobs) MarkRunning(ctx context.Context, id uuid.UUID) error {
	f.state = models.JobStateRunning
	return nil
}

func (f *fakeJobs) MarkSucceeded(ctx context.Context, id uuid.UUID, cursorOut json.RawMessage) error {
	f.state = models.JobStateSucceeded
	f.cursorOut = cursorOut
	return nil
}

func (f *fakeJobs) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	f.state = models.JobStateFailed
	f.errMsg = errMsg
	return nil
}

func (f *fakeJobs) MarkRetried(ctx context.Context, id uuid.UUID, errMsg string, incrementAttempt bool) error {
	f.state = models.JobStateRetried
	f.errMsg = errMsg
	f.incremented = incrementAttempt
	return nil
}

type fakeSignals struct {
	inserted []models.Signal
}

func (f *fakeSignals) InsertBatch(ctx context.Context, sigs []models.Signal) ([]models.Signal, error) {
	f.inserted = append(f.inserted, sigs...)
	return sigs, nil
}

type fakePublisher struct {
	published int
}

func (f *fakePublisher) PublishSignal(ctx context.Context, sig *models.Signal) error {
	f.published++
	return nil
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32))
	v, err := vault.New(key)
	require.NoError(t, err)
	return v
}

type harness struct {
	executor    *Executor
	connections *fakeConnections
	jobs        *fakeJobs
	signals     *fakeSignals
	publisher   *fakePublisher
	vault       *vault.Vault
	conn        *models.Connection
	job         *models.SyncJob
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	v := testVault(t)
	tenantID := uuid.New()
	connID := uuid.New()

	conn := &models.Connection{
		ID:                connID,
		TenantID:          tenantID,
		ProviderName:      models.ProviderGitHub,
		ExternalAccountID: "octocat",
	}

	binding := vault.Binding{
		TenantID:          tenantID.String(),
		ProviderName:      models.ProviderGitHub,
		ExternalAccountID: "octocat",
	}
	var err error
	conn.AccessTokenCiphertext, err = v.EncryptString("access-token", binding)
	require.NoError(t, err)
	conn.RefreshTokenCiphertext, err = v.EncryptString("refresh-token", binding)
	require.NoError(t, err)

	job := &models.SyncJob{
		ID:           uuid.New(),
		ConnectionID: connID,
		TenantID:     tenantID,
		ProviderName: models.ProviderGitHub,
		JobType:      models.JobTypeIncremental,
		State:        models.JobStateQueued,
	}

	h := &harness{
		connections: &fakeConnections{conn: conn},
		jobs:        &fakeJobs{},
		signals:     &fakeSignals{},
		publisher:   &fakePublisher{},
		vault:       v,
		conn:        conn,
		job:         job,
	}

	h.executor = &Executor{
		vault:       v,
		connections: h.connections,
		jobs:        h.jobs,
		signals:     h.signals,
		publisher:   h.publisher,
		policy:      backoff.NewPolicy(time.Second, time.Minute, 3, 0),
		normalizer:  signals.NewNormalizer(),
		config:      DefaultConfig(),
		logger:      silentLogger(),
		now:         time.Now,
		publish:     func(ctx context.Context, msg *redis.SyncJobMessage) error { return nil },
	}

	return h
}

func syncEvent(id string) signals.RawEvent {
	return signals.RawEvent{
		Kind:       signals.KindIssueCreated,
		ExternalID: id,
		Timestamp:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Raw:        map[string]any{"id": id},
	}
}

func TestProcess_Success(t *testing.T) {
	h := newHarness(t)
	nextCursor := json.RawMessage(`{"updated_since":"2026-08-01T12:00:00Z"}`)

	connector := &fakeConnector{
		syncFn: func(ctx context.Context, conn connectors.Connection, cursor json.RawMessage) (*connectors.SyncResult, error) {
			assert.Equal(t, "access-token", conn.AccessToken)
			return &connectors.SyncResult{
				Events:     []signals.RawEvent{syncEvent("1"), syncEvent("2")},
				NextCursor: nextCursor,
			}, nil
		},
	}

	h.executor.process(context.Background(), connector, h.conn, h.job, nil)

	assert.Equal(t, models.JobStateSucceeded, h.jobs.state)
	assert.Equal(t, nextCursor, h.jobs.cursorOut)
	assert.Len(t, h.signals.inserted, 2)
	assert.Equal(t, 2, h.publisher.published)

	require.NotNil(t, h.connections.updatedMetadata)
	assert.Equal(t, nextCursor, h.connections.updatedMetadata.Data.Sync.Cursor)
	assert.NotNil(t, h.connections.updatedMetadata.Data.Sync.LastRunAt)

	assert.Empty(t, h.jobs.created)
}

func TestProcess_HasMoreEnqueuesContinuation(t *testing.T) {
	h := newHarness(t)
	nextCursor := json.RawMessage(`{"page_token":"abc"}`)

	connector := &fakeConnector{
		syncFn: func(ctx context.Context, conn connectors.Connection, cursor json.RawMessage) (*connectors.SyncResult, error) {
			return &connectors.SyncResult{NextCursor: nextCursor, HasMore: true}, nil
		},
	}

	h.executor.process(context.Background(), connector, h.conn, h.job, nil)

	assert.Equal(t, models.JobStateSucceeded, h.jobs.state)
	require.Len(t, h.jobs.created, 1)
	next := h.jobs.created[0]
	assert.Equal(t, models.JobTypeIncremental, next.JobType)
	assert.Equal(t, nextCursor, next.CursorIn)
	assert.Zero(t, next.AttemptCount)
}

func TestProcess_RateLimitedDoesNotCountAttempt(t *testing.T) {
	h := newHarness(t)
	h.job.AttemptCount = 2
	h.job.CursorIn = json.RawMessage(`{"updated_since":"2026-07-01T00:00:00Z"}`)

	connector := &fakeConnector{
		syncFn: func(ctx context.Context, conn connectors.Connection, cursor json.RawMessage) (*connectors.SyncResult, error) {
			return nil, connectors.RateLimited(30 * time.Second)
		},
	}

	h.executor.process(context.Background(), connector, h.conn, h.job, nil)

	assert.Equal(t, models.JobStateRetried, h.jobs.state)
	assert.False(t, h.jobs.incremented)
	assert.Nil(t, h.connections.updatedMetadata)

	require.Len(t, h.jobs.created, 1)
	next := h.jobs.created[0]
	assert.Equal(t, h.job.CursorIn, next.CursorIn)
	assert.Equal(t, 2, next.AttemptCount)
}

func TestProcess_PermissionDeniedIsTerminal(t *testing.T) {
	h := newHarness(t)

	connector := &fakeConnector{
		syncFn: func(ctx context.Context, conn connectors.Connection, cursor json.RawMessage) (*connectors.SyncResult, error) {
			return nil, connectors.ErrPermissionDenied
		},
	}

	h.executor.process(context.Background(), connector, h.conn, h.job, nil)

	assert.Equal(t, models.JobStateFailed, h.jobs.state)
	assert.Empty(t, h.jobs.created)
}

func TestProcess_InvalidCursorEscalatesToFull(t *testing.T) {
	h := newHarness(t)
	h.job.CursorIn = json.RawMessage(`{"sync_token":"expired"}`)

	connector := &fakeConnector{
		syncFn: func(ctx context.Context, conn connectors.Connection, cursor json.RawMessage) (*connectors.SyncResult, error) {
			return nil, connectors.ErrInvalidCursor
		},
	}

	h.executor.process(context.Background(), connector, h.conn, h.job, nil)

	assert.Equal(t, models.JobStateRetried, h.jobs.state)
	assert.False(t, h.jobs.incremented)

	require.Len(t, h.jobs.created, 1)
	next := h.jobs.created[0]
	assert.Equal(t, models.JobTypeFull, next.JobType)
	assert.Nil(t, next.CursorIn)
	assert.Zero(t, next.AttemptCount)
}

func TestProcess_UpstreamFailureRetriesWithBackoff(t *testing.T) {
	h := newHarness(t)

	connector := &fakeConnector{
		syncFn: func(ctx context.Context, conn connectors.Connection, cursor json.RawMessage) (*connectors.SyncResult, error) {
			return nil, connectors.ErrUpstreamFailure
		},
	}

	h.executor.process(context.Background(), connector, h.conn, h.job, nil)

	assert.Equal(t, models.JobStateRetried, h.jobs.state)
	assert.True(t, h.jobs.incremented)
	require.Len(t, h.jobs.created, 1)
	assert.Equal(t, 1, h.jobs.created[0].AttemptCount)
}

func TestProcess_UpstreamFailureExhaustsAttempts(t *testing.T) {
	h := newHarness(t)
	h.job.AttemptCount = 2 // policy max is 3, this run is the third attempt

	connector := &fakeConnector{
		syncFn: func(ctx context.Context, conn connectors.Connection, cursor json.RawMessage) (*connectors.SyncResult, error) {
			return nil, connectors.ErrUpstreamFailure
		},
	}

	h.executor.process(context.Background(), connector, h.conn, h.job, nil)

	assert.Equal(t, models.JobStateFailed, h.jobs.state)
	assert.Empty(t, h.jobs.created)
}

func TestProcess_AuthRequiredRefreshesOnceAndRetries(t *testing.T) {
	h := newHarness(t)

	calls := 0
	connector := &fakeConnector{
		syncFn: func(ctx context.Context, conn connectors.Connection, cursor json.RawMessage) (*connectors.SyncResult, error) {
			calls++
			if conn.AccessToken != "new-access" {
				return nil, connectors.ErrAuthenticationRequired
			}
			return &connectors.SyncResult{NextCursor: json.RawMessage(`{}`)}, nil
		},
		refreshFn: func(ctx context.Context, refreshToken string) (*connectors.TokenSet, error) {
			assert.Equal(t, "refresh-token", refreshToken)
			return &connectors.TokenSet{AccessToken: "new-access"}, nil
		},
	}

	h.executor.process(context.Background(), connector, h.conn, h.job, nil)

	assert.Equal(t, models.JobStateSucceeded, h.jobs.state)
	assert.Equal(t, 2, calls)
	assert.NotEmpty(t, h.connections.updatedAccess)

	// Provider did not rotate the refresh token, the stored one survives
	binding := vault.Binding{
		TenantID:          h.conn.TenantID.String(),
		ProviderName:      h.conn.ProviderName,
		ExternalAccountID: h.conn.ExternalAccountID,
	}
	refresh, err := h.vault.DecryptString(h.connections.updatedRefresh, binding)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token", refresh)
}

func TestProcess_AuthRequiredRefreshFailureIsTerminal(t *testing.T) {
	h := newHarness(t)

	connector := &fakeConnector{
		syncFn: func(ctx context.Context, conn connectors.Connection, cursor json.RawMessage) (*connectors.SyncResult, error) {
			return nil, connectors.ErrAuthenticationRequired
		},
		refreshFn: func(ctx context.Context, refreshToken string) (*connectors.TokenSet, error) {
			return nil, connectors.ErrAuthenticationRequired
		},
	}

	h.executor.process(context.Background(), connector, h.conn, h.job, nil)

	assert.Equal(t, models.JobStateFailed, h.jobs.state)
	assert.Empty(t, h.jobs.created)
}

func TestProcess_WebhookJobDoesNotTouchCursor(t *testing.T) {
	h := newHarness(t)
	h.job.JobType = models.JobTypeWebhook
	h.job.CursorIn = json.RawMessage(`{"updated_since":"2026-07-01T00:00:00Z"}`)

	envelope, err := json.Marshal(models.WebhookEnvelope{
		Provider: models.ProviderGitHub,
		Body:     []byte(`{"action":"opened"}`),
	})
	require.NoError(t, err)

	connector := &fakeConnector{
		webhookFn: func(ctx context.Context, conn connectors.Connection, env *models.WebhookEnvelope) ([]signals.RawEvent, error) {
			assert.Equal(t, models.ProviderGitHub, env.Provider)
			return []signals.RawEvent{syncEvent("42")}, nil
		},
	}

	h.executor.process(context.Background(), connector, h.conn, h.job, envelope)

	assert.Equal(t, models.JobStateSucceeded, h.jobs.state)
	assert.Equal(t, h.job.CursorIn, h.jobs.cursorOut)
	assert.Nil(t, h.connections.updatedMetadata)
	assert.Len(t, h.signals.inserted, 1)
}

func TestProcess_ProactiveRefreshBeforeExpiry(t *testing.T) {
	h := newHarness(t)
	soon := time.Now().Add(15 * time.Second)
	h.conn.ExpiresAt = &soon

	refreshed := false
	connector := &fakeConnector{
		refreshFn: func(ctx context.Context, refreshToken string) (*connectors.TokenSet, error) {
			refreshed = true
			return &connectors.TokenSet{AccessToken: "fresh", RefreshToken: "rotated"}, nil
		},
		syncFn: func(ctx context.Context, conn connectors.Connection, cursor json.RawMessage) (*connectors.SyncResult, error) {
			assert.Equal(t, "fresh", conn.AccessToken)
			return &connectors.SyncResult{}, nil
		},
	}

	h.executor.process(context.Background(), connector, h.conn, h.job, nil)

	assert.True(t, refreshed)
	assert.Equal(t, models.JobStateSucceeded, h.jobs.state)
}

func TestProcess_ProactiveRefreshFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	soon := time.Now().Add(5 * time.Second)
	h.conn.ExpiresAt = &soon

	refreshCalls := 0
	syncCalls := 0
	connector := &fakeConnector{
		refreshFn: func(ctx context.Context, refreshToken string) (*connectors.TokenSet, error) {
			refreshCalls++
			return nil, connectors.ErrAuthenticationRequired
		},
		syncFn: func(ctx context.Context, conn connectors.Connection, cursor json.RawMessage) (*connectors.SyncResult, error) {
			syncCalls++
			return &connectors.SyncResult{Events: []signals.RawEvent{syncEvent("1")}}, nil
		},
	}

	h.executor.process(context.Background(), connector, h.conn, h.job, nil)

	assert.Equal(t, models.JobStateFailed, h.jobs.state)
	assert.Equal(t, 1, refreshCalls)
	assert.Zero(t, syncCalls)
	assert.Empty(t, h.signals.inserted)
	assert.Empty(t, h.jobs.created)
}

func TestProcess_ProactiveRefreshIsTheOnlyRefresh(t *testing.T) {
	h := newHarness(t)
	soon := time.Now().Add(5 * time.Second)
	h.conn.ExpiresAt = &soon

	refreshCalls := 0
	connector := &fakeConnector{
		refreshFn: func(ctx context.Context, refreshToken string) (*connectors.TokenSet, error) {
			refreshCalls++
			return &connectors.TokenSet{AccessToken: "fresh"}, nil
		},
		syncFn: func(ctx context.Context, conn connectors.Connection, cursor json.RawMessage) (*connectors.SyncResult, error) {
			// Even the fresh token is rejected; the job must fail without
			// another exchange
			return nil, connectors.ErrAuthenticationRequired
		},
	}

	h.executor.process(context.Background(), connector, h.conn, h.job, nil)

	assert.Equal(t, models.JobStateFailed, h.jobs.state)
	assert.Equal(t, 1, refreshCalls)
	assert.Empty(t, h.jobs.created)
}
