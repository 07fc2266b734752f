package repositories_test

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/poblysh/pollen/pkg/context"
	"github.com/poblysh/pollen/pkg/database"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/repositories"
)

func getTestLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func getTestDB(t *testing.T) database.DB {
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}
	dbUser := os.Getenv("DB_USER_NAME")
	if dbUser == "" {
		dbUser = "user"
	}
	dbPass := os.Getenv("DB_PASSWORD")
	if dbPass == "" {
		dbPass = "password"
	}
	dbName := os.Getenv("DB_NAME")
	if dbName == "" {
		dbName = "pollen"
	}

	dsn := "host=" + dbHost + " user=" + dbUser + " password=" + dbPass + " dbname=" + dbName + " sslmode=disable"
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err, "Failed to connect to test database")

	return db
}

func getTestContext(tenantID uuid.UUID) context.Context {
	return appctx.SetTenantID(context.Background(), tenantID.String())
}

func assertNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func assertConflict(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))
}

func newTestConnection(t *testing.T, repo *repositories.ConnectionRepository, ctx context.Context) *models.Connection {
	t.Helper()
	conn := &models.Connection{
		ProviderName:          "github",
		ExternalAccountID:     uuid.New().String(),
		AccessTokenCiphertext: []byte("ciphertext"),
	}
	require.NoError(t, repo.Create(ctx, conn))
	return conn
}

func TestConnectionRepository_CRUD(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	repo := repositories.NewConnectionRepository(db, logger)

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)

	conn := newTestConnection(t, repo, ctx)
	assert.NotEqual(t, uuid.Nil, conn.ID)
	assert.Equal(t, tenantID, conn.TenantID)
	assert.False(t, conn.CreatedAt.IsZero())

	got, err := repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.ExternalAccountID, got.ExternalAccountID)
	assert.Equal(t, []byte("ciphertext"), got.AccessTokenCiphertext)

	conns, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, conns, 1)

	// Another tenant cannot see the connection
	otherCtx := getTestContext(uuid.New())
	_, err = repo.GetByID(otherCtx, conn.ID)
	assertNotFound(t, err)

	// The system lookup ignores tenant scope
	sysConn, err := repo.GetByIDSystem(context.Background(), conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.ID, sysConn.ID)

	require.NoError(t, repo.Delete(ctx, conn.ID))
	_, err = repo.GetByID(ctx, conn.ID)
	assertNotFound(t, err)
	assertNotFound(t, repo.Delete(ctx, conn.ID))
}

func TestConnectionRepository_UpdateTokens(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewConnectionRepository(db, getTestLogger())

	ctx := getTestContext(uuid.New())
	conn := newTestConnection(t, repo, ctx)
	defer func() { _ = repo.Delete(ctx, conn.ID) }()

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	err := repo.UpdateTokens(ctx, conn.ID, []byte("rotated-access"), []byte("rotated-refresh"), &expiry)
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("rotated-access"), got.AccessTokenCiphertext)
	assert.Equal(t, []byte("rotated-refresh"), got.RefreshTokenCiphertext)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, expiry, *got.ExpiresAt, time.Second)

	assertNotFound(t, repo.UpdateTokens(ctx, uuid.New(), []byte("a"), nil, nil))
}

func TestConnectionRepository_UpdateMetadata(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewConnectionRepository(db, getTestLogger())

	ctx := getTestContext(uuid.New())
	conn := newTestConnection(t, repo, ctx)
	defer func() { _ = repo.Delete(ctx, conn.ID) }()

	now := time.Now().UTC().Truncate(time.Second)
	meta := conn.Metadata
	meta.Data.Sync.Cursor = []byte(`{"page":3}`)
	meta.Data.Sync.IntervalSeconds = 120
	meta.Data.Sync.LastRunAt = &now

	require.NoError(t, repo.UpdateMetadata(ctx, conn.ID, meta))

	got, err := repo.GetByID(ctx, conn.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"page":3}`, string(got.Metadata.Data.Sync.Cursor))
	assert.Equal(t, 120, got.Metadata.Data.Sync.IntervalSeconds)
	require.NotNil(t, got.Metadata.Data.Sync.LastRunAt)
}

func TestSyncJobRepository_Transitions(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	connRepo := repositories.NewConnectionRepository(db, logger)
	jobRepo := repositories.NewSyncJobRepository(db, logger)

	ctx := getTestContext(uuid.New())
	conn := newTestConnection(t, connRepo, ctx)
	defer func() { _ = connRepo.Delete(ctx, conn.ID) }()

	job := &models.SyncJob{
		ConnectionID: conn.ID,
		ProviderName: conn.ProviderName,
		JobType:      models.JobTypeIncremental,
		CursorIn:     []byte(`{"page":1}`),
	}
	require.NoError(t, jobRepo.Create(ctx, job))
	assert.Equal(t, models.JobStateQueued, job.State)

	require.NoError(t, jobRepo.MarkRunning(ctx, job.ID))

	// Second MarkRunning finds no queued row
	assertConflict(t, jobRepo.MarkRunning(ctx, job.ID))

	require.NoError(t, jobRepo.MarkSucceeded(ctx, job.ID, []byte(`{"page":2}`)))

	got, err := jobRepo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, got.State)
	assert.JSONEq(t, `{"page":2}`, string(got.CursorOut))
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)

	// Terminal jobs reject further transitions
	assertConflict(t, jobRepo.MarkFailed(ctx, job.ID, "late failure"))
}

func TestSyncJobRepository_RetryAttemptCounting(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	connRepo := repositories.NewConnectionRepository(db, logger)
	jobRepo := repositories.NewSyncJobRepository(db, logger)

	ctx := getTestContext(uuid.New())
	conn := newTestConnection(t, connRepo, ctx)
	defer func() { _ = connRepo.Delete(ctx, conn.ID) }()

	retried := &models.SyncJob{ConnectionID: conn.ID, ProviderName: conn.ProviderName, JobType: models.JobTypeFull}
	require.NoError(t, jobRepo.Create(ctx, retried))
	require.NoError(t, jobRepo.MarkRunning(ctx, retried.ID))
	require.NoError(t, jobRepo.MarkRetried(ctx, retried.ID, "upstream timeout", true))

	got, err := jobRepo.GetByID(ctx, retried.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRetried, got.State)
	assert.Equal(t, 1, got.AttemptCount)

	// Rate limiting defers without consuming an attempt
	limited := &models.SyncJob{ConnectionID: conn.ID, ProviderName: conn.ProviderName, JobType: models.JobTypeFull}
	require.NoError(t, jobRepo.Create(ctx, limited))
	require.NoError(t, jobRepo.MarkRunning(ctx, limited.ID))
	require.NoError(t, jobRepo.MarkRetried(ctx, limited.ID, "rate limited", false))

	got, err = jobRepo.GetByID(ctx, limited.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AttemptCount)
}

func TestSyncJobRepository_JobsSurviveConnectionDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	logger := getTestLogger()
	connRepo := repositories.NewConnectionRepository(db, logger)
	jobRepo := repositories.NewSyncJobRepository(db, logger)

	ctx := getTestContext(uuid.New())
	conn := newTestConnection(t, connRepo, ctx)

	job := &models.SyncJob{ConnectionID: conn.ID, ProviderName: conn.ProviderName, JobType: models.JobTypeFull}
	require.NoError(t, jobRepo.Create(ctx, job))
	require.NoError(t, jobRepo.MarkRunning(ctx, job.ID))
	require.NoError(t, jobRepo.MarkSucceeded(ctx, job.ID, nil))

	// The audit trail outlives the connection
	require.NoError(t, connRepo.Delete(ctx, conn.ID))

	got, err := jobRepo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, got.State)

	jobs, err := jobRepo.ListByConnection(ctx, conn.ID, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestSignalRepository_Dedupe(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewSignalRepository(db, getTestLogger())

	ctx := getTestContext(uuid.New())

	sig := models.Signal{
		Source:    "github",
		Kind:      "issue_opened",
		Timestamp: time.Now().UTC(),
		DedupeKey: uuid.New().String(),
	}
	sig.Payload.Data.Normalized = map[string]any{"title": "broken build"}

	first := sig
	inserted, err := repo.Insert(ctx, &first)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same dedupe key for the same tenant and source is swallowed
	dup := sig
	inserted, err = repo.Insert(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	// A different tenant may carry the same key
	otherCtx := getTestContext(uuid.New())
	other := sig
	inserted, err = repo.Insert(otherCtx, &other)
	require.NoError(t, err)
	assert.True(t, inserted)

	listed, err := repo.List(ctx, repositories.SignalFilter{Source: "github", Kind: "issue_opened"})
	require.NoError(t, err)
	require.NotEmpty(t, listed)
	assert.Equal(t, first.DedupeKey, listed[0].DedupeKey)
}
