package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/poblysh/pollen/pkg/database"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/tracing"
)

const syncJobsTable = "sync_jobs"

var syncJobStruct = database.NewStruct(new(models.SyncJob))

// SyncJobRepository handles database operations for sync jobs
type SyncJobRepository struct {
	*Repository
}

// NewSyncJobRepository creates a new sync job repository
func NewSyncJobRepository(db database.DB, logger ectologger.Logger) *SyncJobRepository {
	return &SyncJobRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create inserts a new job in the queued state
func (r *SyncJobRepository) Create(ctx context.Context, job *models.SyncJob) error {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	job.TenantID = tenantID

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.State == "" {
		job.State = models.JobStateQueued
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(syncJobsTable).
		Cols("id", "connection_id", "tenant_id", "provider_name", "job_type",
			"state", "cursor_in", "attempt_count", "created_at").
		Values(job.ID, job.ConnectionID, job.TenantID, job.ProviderName, job.JobType,
			job.State, job.CursorIn, job.AttemptCount, sqlbuilder.Raw("NOW()")).
		Returning("created_at")

	query, args := ib.Build()
	err = r.DB().QueryRowContext(ctx, query, args...).Scan(&job.CreatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id":        job.ID,
			"connection_id": job.ConnectionID,
		}).Error("failed to create sync job")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create sync job")
	}

	return nil
}

// GetByID retrieves a sync job by ID (tenant-scoped)
func (r *SyncJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncJob, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := syncJobStruct.SelectFrom(syncJobsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var job models.SyncJob
	err = r.DB().GetContext(ctx, &job, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("sync job %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id": id,
		}).Error("failed to get sync job")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get sync job")
	}

	return &job, nil
}

// ListByConnection retrieves jobs for a connection, newest first
func (r *SyncJobRepository) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit int) ([]models.SyncJob, error) {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.ListByConnection")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}

	sb := syncJobStruct.SelectFrom(syncJobsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("connection_id", connectionID))
	sb.OrderBy("created_at").Desc()
	sb.Limit(limit)

	query, args := sb.Build()
	var jobs []models.SyncJob
	err = r.DB().SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": connectionID,
		}).Error("failed to list sync jobs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list sync jobs")
	}

	return jobs, nil
}

// MarkRunning transitions a queued job to running and stamps started_at
func (r *SyncJobRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.MarkRunning")
	defer span.End()

	return r.transition(ctx, id, func(ub *sqlbuilder.UpdateBuilder) {
		ub.Set(
			ub.Assign("state", models.JobStateRunning),
			ub.Assign("started_at", sqlbuilder.Raw("NOW()")),
		)
		ub.Where(ub.Equal("state", models.JobStateQueued))
	})
}

// MarkSucceeded finishes a job cleanly and records the advanced cursor
func (r *SyncJobRepository) MarkSucceeded(ctx context.Context, id uuid.UUID, cursorOut json.RawMessage) error {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.MarkSucceeded")
	defer span.End()

	return r.transition(ctx, id, func(ub *sqlbuilder.UpdateBuilder) {
		ub.Set(
			ub.Assign("state", models.JobStateSucceeded),
			ub.Assign("cursor_out", cursorOut),
			ub.Assign("finished_at", sqlbuilder.Raw("NOW()")),
		)
		ub.Where(ub.Equal("state", models.JobStateRunning))
	})
}

// MarkFailed terminally fails a job
func (r *SyncJobRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.MarkFailed")
	defer span.End()

	return r.transition(ctx, id, func(ub *sqlbuilder.UpdateBuilder) {
		ub.Set(
			ub.Assign("state", models.JobStateFailed),
			ub.Assign("error", errMsg),
			ub.Assign("finished_at", sqlbuilder.Raw("NOW()")),
		)
		ub.Where(ub.Equal("state", models.JobStateRunning))
	})
}

// MarkRetried records a retry outcome on the current row. The replacement
// job is a fresh row created by the caller. incrementAttempt is false for
// rate limiting, which defers work without consuming an attempt.
func (r *SyncJobRepository) MarkRetried(ctx context.Context, id uuid.UUID, errMsg string, incrementAttempt bool) error {
	ctx, span := tracing.StartSpan(ctx, "SyncJobRepository.MarkRetried")
	defer span.End()

	return r.transition(ctx, id, func(ub *sqlbuilder.UpdateBuilder) {
		assigns := []string{
			ub.Assign("state", models.JobStateRetried),
			ub.Assign("error", errMsg),
			ub.Assign("finished_at", sqlbuilder.Raw("NOW()")),
		}
		if incrementAttempt {
			assigns = append(assigns, ub.Assign("attempt_count", sqlbuilder.Raw("attempt_count + 1")))
		}
		ub.Set(assigns...)
		ub.Where(ub.Equal("state", models.JobStateRunning))
	})
}

func (r *SyncJobRepository) transition(ctx context.Context, id uuid.UUID, build func(*sqlbuilder.UpdateBuilder)) error {
	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(syncJobsTable)
	build(ub.UpdateBuilder)
	ub.Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id": id,
		}).Error("failed to update sync job")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update sync job")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update sync job")
	}
	if affected == 0 {
		return httperror.NewHTTPErrorf(http.StatusConflict, "sync job %s is not in a valid state for this transition", id)
	}

	return nil
}
