package repositories

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/poblysh/pollen/pkg/database"
	"github.com/poblysh/pollen/pkg/metrics"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/tracing"
)

const signalsTable = "signals"

var signalStruct = database.NewStruct(new(models.Signal))

// SignalFilter narrows List results. Zero values mean no filter.
type SignalFilter struct {
	Source string
	Kind   string
	Since  time.Time
	Limit  int
}

// SignalRepository handles database operations for signals
type SignalRepository struct {
	*Repository
}

// NewSignalRepository creates a new signal repository
func NewSignalRepository(db database.DB, logger ectologger.Logger) *SignalRepository {
	return &SignalRepository{
		Repository: NewRepository(db, logger),
	}
}

// Insert writes a signal, relying on the (tenant_id, source, dedupe_key)
// unique index to drop duplicates. Returns false when the row already
// existed; that is the normal path for redelivered webhooks and
// overlapping poll windows, not an error.
func (r *SignalRepository) Insert(ctx context.Context, sig *models.Signal) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "SignalRepository.Insert")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return false, err
	}
	sig.TenantID = tenantID

	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(signalsTable).
		Cols("id", "tenant_id", "source", "kind", "payload", "timestamp", "dedupe_key", "created_at").
		Values(sig.ID, sig.TenantID, sig.Source, sig.Kind, sig.Payload, sig.Timestamp, sig.DedupeKey,
			sqlbuilder.Raw("NOW()")).
		OnConflictDoNothing("tenant_id", "source", "dedupe_key")

	query, args := ib.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"source":     sig.Source,
			"kind":       sig.Kind,
			"dedupe_key": sig.DedupeKey,
		}).Error("failed to insert signal")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert signal")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert signal")
	}
	if affected == 0 {
		metrics.SignalsDeduplicated.WithLabelValues(sig.Source).Inc()
		return false, nil
	}

	metrics.SignalsEmitted.WithLabelValues(sig.Source, sig.Kind).Inc()
	return true, nil
}

// InsertBatch inserts signals one at a time and returns the slice of
// signals that were actually new. Order is preserved.
func (r *SignalRepository) InsertBatch(ctx context.Context, sigs []models.Signal) ([]models.Signal, error) {
	ctx, span := tracing.StartSpan(ctx, "SignalRepository.InsertBatch")
	defer span.End()

	inserted := make([]models.Signal, 0, len(sigs))
	for i := range sigs {
		ok, err := r.Insert(ctx, &sigs[i])
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted = append(inserted, sigs[i])
		}
	}
	return inserted, nil
}

// List retrieves signals for the current tenant, newest first
func (r *SignalRepository) List(ctx context.Context, filter SignalFilter) ([]models.Signal, error) {
	ctx, span := tracing.StartSpan(ctx, "SignalRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	sb := signalStruct.SelectFrom(signalsTable)
	sb.Where(sb.Equal("tenant_id", tenantID))
	if filter.Source != "" {
		sb.Where(sb.Equal("source", filter.Source))
	}
	if filter.Kind != "" {
		sb.Where(sb.Equal("kind", filter.Kind))
	}
	if !filter.Since.IsZero() {
		sb.Where(sb.GreaterEqualThan("timestamp", filter.Since))
	}
	sb.OrderBy("timestamp").Desc()
	sb.Limit(limit)

	query, args := sb.Build()
	var sigs []models.Signal
	err = r.DB().SelectContext(ctx, &sigs, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list signals")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list signals")
	}

	return sigs, nil
}
