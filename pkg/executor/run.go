package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	"github.com/poblysh/pollen/pkg/connectors"
	appctx "github.com/poblysh/pollen/pkg/context"
	"github.com/poblysh/pollen/pkg/metrics"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/redis"
	"github.com/poblysh/pollen/pkg/signals"
	"github.com/poblysh/pollen/pkg/tracing"
	"github.com/poblysh/pollen/pkg/vault"
)

// runJob executes one queued sync job end to end. Returning errLeaseBusy
// leaves the message pending; any other return acks it, because the job row
// itself records the outcome.
func (e *Executor) runJob(ctx context.Context, msg redis.SyncJobMessage) error {
	ctx, span := tracing.StartSpan(ctx, "Executor.runJob")
	defer span.End()

	jobID, err := uuid.Parse(msg.JobID)
	if err != nil {
		return fmt.Errorf("invalid job_id %q: %w", msg.JobID, err)
	}
	if _, err := uuid.Parse(msg.ConnectionID); err != nil {
		return fmt.Errorf("invalid connection_id %q: %w", msg.ConnectionID, err)
	}

	ctx = appctx.SetTenantID(ctx, msg.TenantID)
	ctx = appctx.SetProvider(ctx, msg.Provider)
	ctx = appctx.SetConnectionID(ctx, msg.ConnectionID)
	ctx = appctx.SetRequestID(ctx, msg.JobID)

	// One sync per connection at a time. The lease also serializes token
	// refreshes against concurrent jobs for the same connection.
	lease, err := e.leaser.Acquire(ctx, "connection:"+msg.ConnectionID, e.config.LeaseTTL)
	if err != nil {
		if errors.Is(err, redis.ErrLeaseNotAcquired) {
			return errLeaseBusy
		}
		return err
	}
	defer lease.Release(ctx)

	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() || job.State == models.JobStateRetried {
		// Redelivered message for a settled job
		return nil
	}

	connector, err := e.registry.Get(job.ProviderName)
	if err != nil {
		e.finishFailed(ctx, job, err)
		return nil
	}

	conn, err := e.connections.GetByID(ctx, job.ConnectionID)
	if err != nil {
		// Jobs outlive their connection; a queued job whose connection was
		// deleted settles instead of redelivering
		if httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound {
			e.finishFailed(ctx, job, errors.New("connection no longer exists"))
			return nil
		}
		return err
	}

	if err := e.jobs.MarkRunning(ctx, jobID); err != nil {
		return err
	}

	metrics.SyncJobsInFlight.Inc()
	defer metrics.SyncJobsInFlight.Dec()
	start := e.now()
	defer func() {
		metrics.SyncJobDuration.WithLabelValues(job.ProviderName, string(job.JobType)).
			Observe(time.Since(start).Seconds())
	}()

	e.logger.WithContext(ctx).Infof("Running %s sync job %s", job.JobType, job.ID)

	e.process(ctx, connector, conn, job, msg.Envelope)
	return nil
}

// process drives the connector and settles the job into its final state
func (e *Executor) process(ctx context.Context, connector connectors.Connector, conn *models.Connection, job *models.SyncJob, rawEnvelope json.RawMessage) {
	access, refresh, err := e.decryptTokens(conn)
	if err != nil {
		// Undecryptable credentials cannot be retried into working ones
		e.finishFailed(ctx, job, errors.New("credential decryption failed"))
		return
	}

	// Proactive refresh when expiry is close. A refresh that fails here
	// means the connection has no working credential path, so the job ends
	// terminally before any provider call or signal write.
	refreshed := false
	if conn.NeedsRefresh(e.now(), e.config.RefreshMargin) && refresh != "" {
		newAccess, newRefresh, refreshErr := e.refreshTokens(ctx, connector, conn, access, refresh)
		if refreshErr != nil {
			e.finishFailed(ctx, job, fmt.Errorf("%w: %v", connectors.ErrAuthenticationRequired, refreshErr))
			return
		}
		access, refresh = newAccess, newRefresh
		refreshed = true
	}

	result, err := e.invoke(ctx, connector, conn, job, access, rawEnvelope)

	// One refresh per job. An auth failure after a fresh token is terminal;
	// retrying the same exchange would only loop.
	if errors.Is(err, connectors.ErrAuthenticationRequired) && refresh != "" && !refreshed {
		newAccess, _, refreshErr := e.refreshTokens(ctx, connector, conn, access, refresh)
		if refreshErr != nil {
			e.finishFailed(ctx, job, err)
			return
		}
		access = newAccess
		result, err = e.invoke(ctx, connector, conn, job, access, rawEnvelope)
	}

	if err != nil {
		e.settle(ctx, job, err)
		return
	}

	e.finishSucceeded(ctx, conn, job, result)
}

// invokeResult carries the connector output in a shape common to sync and
// webhook jobs
type invokeResult struct {
	events     []signals.RawEvent
	nextCursor json.RawMessage
	hasMore    bool
	isSync     bool
}

func (e *Executor) invoke(ctx context.Context, connector connectors.Connector, conn *models.Connection, job *models.SyncJob, access string, rawEnvelope json.RawMessage) (*invokeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.JobTimeout)
	defer cancel()

	cc := connectors.Connection{
		ID:                conn.ID.String(),
		TenantID:          conn.TenantID.String(),
		ProviderName:      conn.ProviderName,
		ExternalAccountID: conn.ExternalAccountID,
		AccessToken:       access,
	}

	switch job.JobType {
	case models.JobTypeWebhook:
		var envelope models.WebhookEnvelope
		if err := json.Unmarshal(rawEnvelope, &envelope); err != nil {
			return nil, fmt.Errorf("invalid webhook envelope: %w", err)
		}
		events, err := connector.HandleWebhook(ctx, cc, &envelope)
		if err != nil {
			return nil, err
		}
		return &invokeResult{events: events, nextCursor: job.CursorIn}, nil

	case models.JobTypeFull, models.JobTypeIncremental:
		cursor := job.CursorIn
		if job.JobType == models.JobTypeFull {
			cursor = nil
		}
		result, err := connector.Sync(ctx, cc, cursor)
		if err != nil {
			return nil, err
		}
		return &invokeResult{
			events:     result.Events,
			nextCursor: result.NextCursor,
			hasMore:    result.HasMore,
			isSync:     true,
		}, nil

	default:
		return nil, fmt.Errorf("unknown job type: %s", job.JobType)
	}
}

// settle maps a connector error onto the job state machine
func (e *Executor) settle(ctx context.Context, job *models.SyncJob, err error) {
	switch {
	case isRateLimited(err):
		retryIn, _ := connectors.AsRateLimited(err)
		metrics.ProviderThrottleHits.WithLabelValues(job.ProviderName).Inc()

		if e.throttle != nil {
			if blockErr := e.throttle.BlockFor(ctx, job.ProviderName, retryIn); blockErr != nil {
				e.logger.WithContext(ctx).WithError(blockErr).Warnf("Failed to record throttle block for %s", job.ProviderName)
			}
		}

		// Being told to wait is not a failed attempt
		e.finishRetried(ctx, job, err, false,
			e.followUp(job, job.JobType, job.CursorIn, job.AttemptCount), retryIn)

	case errors.Is(err, connectors.ErrPermissionDenied):
		e.finishFailed(ctx, job, err)

	case errors.Is(err, connectors.ErrInvalidCursor):
		// The stored cursor is dead; escalate to a full re-sync. Dedupe
		// keys keep the re-walk idempotent.
		e.finishRetried(ctx, job, err, false,
			e.followUp(job, models.JobTypeFull, nil, 0), 0)

	case errors.Is(err, connectors.ErrAuthenticationRequired):
		// Refresh already had its one shot
		e.finishFailed(ctx, job, err)

	default:
		// Upstream failures, timeouts and anything unclassified retry with
		// exponential backoff until the attempt budget runs out
		attempt := job.AttemptCount + 1
		if e.policy.Exhausted(attempt) {
			e.finishFailed(ctx, job, err)
			return
		}
		e.finishRetried(ctx, job, err, true,
			e.followUp(job, job.JobType, job.CursorIn, attempt), e.policy.Delay(attempt))
	}
}

func (e *Executor) finishSucceeded(ctx context.Context, conn *models.Connection, job *models.SyncJob, result *invokeResult) {
	sigs := e.normalizer.NormalizeAll(conn.TenantID, conn.ProviderName, result.events)

	inserted, err := e.signals.InsertBatch(ctx, sigs)
	if err != nil {
		e.settle(ctx, job, err)
		return
	}

	for i := range inserted {
		if pubErr := e.publisher.PublishSignal(ctx, &inserted[i]); pubErr != nil {
			// Postgres already holds the signal; downstream consumers can
			// recover from there
			e.logger.WithContext(ctx).WithError(pubErr).Warnf("Failed to publish signal %s", inserted[i].ID)
		}
	}

	// Cursors advance only here, on clean success
	if result.isSync {
		now := e.now().UTC()
		meta := conn.Metadata
		meta.Data.Sync.Cursor = result.nextCursor
		meta.Data.Sync.LastRunAt = &now
		if err := e.connections.UpdateMetadata(ctx, conn.ID, meta); err != nil {
			e.settle(ctx, job, err)
			return
		}
	}

	if err := e.jobs.MarkSucceeded(ctx, job.ID, result.nextCursor); err != nil {
		e.logger.WithContext(ctx).WithError(err).Errorf("Failed to mark job %s succeeded", job.ID)
		return
	}
	metrics.SyncJobsTotal.WithLabelValues(job.ProviderName, string(job.JobType), string(models.JobStateSucceeded)).Inc()

	e.logger.WithContext(ctx).Infof("Job %s succeeded: events=%d inserted=%d has_more=%t",
		job.ID, len(result.events), len(inserted), result.hasMore)

	if result.isSync && result.hasMore {
		next := e.followUp(job, job.JobType, result.nextCursor, 0)
		if err := e.requeueAfter(ctx, 0, next); err != nil {
			e.logger.WithContext(ctx).WithError(err).Errorf("Failed to enqueue continuation for job %s", job.ID)
		}
	}
}

func (e *Executor) finishFailed(ctx context.Context, job *models.SyncJob, cause error) {
	if err := e.jobs.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		e.logger.WithContext(ctx).WithError(err).Errorf("Failed to mark job %s failed", job.ID)
		return
	}
	metrics.SyncJobsTotal.WithLabelValues(job.ProviderName, string(job.JobType), string(models.JobStateFailed)).Inc()
	e.logger.WithContext(ctx).WithError(cause).Warnf("Job %s failed terminally", job.ID)
}

func (e *Executor) finishRetried(ctx context.Context, job *models.SyncJob, cause error, countAttempt bool, next *models.SyncJob, delay time.Duration) {
	if err := e.jobs.MarkRetried(ctx, job.ID, cause.Error(), countAttempt); err != nil {
		e.logger.WithContext(ctx).WithError(err).Errorf("Failed to mark job %s retried", job.ID)
		return
	}
	metrics.SyncJobsTotal.WithLabelValues(job.ProviderName, string(job.JobType), string(models.JobStateRetried)).Inc()

	if err := e.requeueAfter(ctx, delay, next); err != nil {
		e.logger.WithContext(ctx).WithError(err).Errorf("Failed to enqueue retry for job %s", job.ID)
		return
	}

	e.logger.WithContext(ctx).WithError(cause).Infof("Job %s retried: next=%s delay=%s attempt=%d",
		job.ID, next.ID, delay, next.AttemptCount)
}

// followUp builds the replacement row for a retried or continued job
func (e *Executor) followUp(job *models.SyncJob, jobType models.JobType, cursor json.RawMessage, attempts int) *models.SyncJob {
	return &models.SyncJob{
		ConnectionID: job.ConnectionID,
		TenantID:     job.TenantID,
		ProviderName: job.ProviderName,
		JobType:      jobType,
		State:        models.JobStateQueued,
		CursorIn:     cursor,
		AttemptCount: attempts,
	}
}

func (e *Executor) binding(conn *models.Connection) vault.Binding {
	return vault.Binding{
		TenantID:          conn.TenantID.String(),
		ProviderName:      conn.ProviderName,
		ExternalAccountID: conn.ExternalAccountID,
	}
}

func (e *Executor) decryptTokens(conn *models.Connection) (access, refresh string, err error) {
	binding := e.binding(conn)

	access, err = e.vault.DecryptString(conn.AccessTokenCiphertext, binding)
	if err != nil {
		return "", "", err
	}

	if len(conn.RefreshTokenCiphertext) > 0 {
		refresh, err = e.vault.DecryptString(conn.RefreshTokenCiphertext, binding)
		if err != nil {
			return "", "", err
		}
	}

	return access, refresh, nil
}

// refreshTokens exchanges the refresh token and persists the rotated
// ciphertexts. Runs under the connection lease, so refreshes never race.
func (e *Executor) refreshTokens(ctx context.Context, connector connectors.Connector, conn *models.Connection, access, refresh string) (string, string, error) {
	ctx, span := tracing.StartSpan(ctx, "Executor.refreshTokens")
	defer span.End()

	ts, err := connector.RefreshToken(ctx, refresh)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues(conn.ProviderName, "failure").Inc()
		e.logger.WithContext(ctx).WithError(err).Warnf("Token refresh failed for connection %s", conn.ID)
		return access, refresh, err
	}

	// Providers that do not rotate the refresh token return it empty; the
	// stored one stays valid
	newRefresh := ts.RefreshToken
	if newRefresh == "" {
		newRefresh = refresh
	}

	binding := e.binding(conn)
	accessCiphertext, err := e.vault.EncryptString(ts.AccessToken, binding)
	if err != nil {
		return access, refresh, err
	}
	refreshCiphertext, err := e.vault.EncryptString(newRefresh, binding)
	if err != nil {
		return access, refresh, err
	}

	var expiresAt *time.Time
	if !ts.ExpiresAt.IsZero() {
		t := ts.ExpiresAt.UTC()
		expiresAt = &t
	}

	if err := e.connections.UpdateTokens(ctx, conn.ID, accessCiphertext, refreshCiphertext, expiresAt); err != nil {
		return access, refresh, err
	}

	conn.AccessTokenCiphertext = accessCiphertext
	conn.RefreshTokenCiphertext = refreshCiphertext
	conn.ExpiresAt = expiresAt

	metrics.TokenRefreshes.WithLabelValues(conn.ProviderName, "success").Inc()
	e.logger.WithContext(ctx).Infof("Refreshed tokens for connection %s", conn.ID)

	return ts.AccessToken, newRefresh, nil
}

func isRateLimited(err error) bool {
	_, ok := connectors.AsRateLimited(err)
	return ok
}
