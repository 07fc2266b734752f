package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/poblysh/pollen/pkg/database"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/tracing"
)

const connectionsTable = "connections"

var connectionStruct = database.NewStruct(new(models.Connection))

// ConnectionRepository handles database operations for connections
type ConnectionRepository struct {
	*Repository
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db database.DB, logger ectologger.Logger) *ConnectionRepository {
	return &ConnectionRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create creates a new connection
func (r *ConnectionRepository) Create(ctx context.Context, conn *models.Connection) error {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	conn.TenantID = tenantID

	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(connectionsTable).
		Cols("id", "tenant_id", "provider_name", "external_account_id",
			"access_token_ciphertext", "refresh_token_ciphertext", "expires_at", "metadata",
			"created_at", "updated_at").
		Values(conn.ID, conn.TenantID, conn.ProviderName, conn.ExternalAccountID,
			conn.AccessTokenCiphertext, conn.RefreshTokenCiphertext, conn.ExpiresAt, conn.Metadata,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err = r.DB().QueryRowContext(ctx, query, args...).Scan(&conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": conn.ID,
			"provider":      conn.ProviderName,
		}).Error("failed to create connection")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create connection")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"connection_id": conn.ID,
		"provider":      conn.ProviderName,
	}).Debugf("Created %s", connectionsTable)
	return nil
}

// GetByID retrieves a connection by ID (tenant-scoped)
func (r *ConnectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := connectionStruct.SelectFrom(connectionsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var conn models.Connection
	err = r.DB().GetContext(ctx, &conn, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("connection %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": id,
		}).Error("failed to get connection")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get connection")
	}

	return &conn, nil
}

// GetByIDSystem retrieves a connection without a tenant filter. Webhook
// ingress uses it: the connection ID in the webhook URL arrives before any
// tenant identity exists on the request.
func (r *ConnectionRepository) GetByIDSystem(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.GetByIDSystem")
	defer span.End()

	sb := connectionStruct.SelectFrom(connectionsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var conn models.Connection
	err := r.DB().GetContext(ctx, &conn, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("connection %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": id,
		}).Error("failed to get connection")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get connection")
	}

	return &conn, nil
}

// List retrieves all connections for the current tenant
func (r *ConnectionRepository) List(ctx context.Context) ([]models.Connection, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := connectionStruct.SelectFrom(connectionsTable)
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var conns []models.Connection
	err = r.DB().SelectContext(ctx, &conns, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list connections")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list connections")
	}

	return conns, nil
}

// ListAllSystem retrieves every connection across tenants. Only the
// scheduler calls this; request paths stay tenant-scoped.
func (r *ConnectionRepository) ListAllSystem(ctx context.Context) ([]models.Connection, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.ListAllSystem")
	defer span.End()

	sb := connectionStruct.SelectFrom(connectionsTable)
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var conns []models.Connection
	err := r.DB().SelectContext(ctx, &conns, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list all connections")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list connections")
	}

	return conns, nil
}

// Delete removes a connection (tenant-scoped)
func (r *ConnectionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.Delete")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(connectionsTable)
	db.Where(db.Equal("tenant_id", tenantID), db.Equal("id", id))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": id,
		}).Error("failed to delete connection")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete connection")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete connection")
	}
	if affected == 0 {
		return NotFound("connection %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"connection_id": id,
	}).Debugf("Deleted %s", connectionsTable)
	return nil
}

// UpdateTokens rotates the stored token ciphertexts after an exchange or
// refresh. Callers must pass the previous refresh ciphertext when the
// provider did not rotate it; this method stores exactly what it is given.
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, id uuid.UUID, accessCiphertext, refreshCiphertext []byte, expiresAt *time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.UpdateTokens")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(connectionsTable)
	ub.Set(
		ub.Assign("access_token_ciphertext", accessCiphertext),
		ub.Assign("refresh_token_ciphertext", refreshCiphertext),
		ub.Assign("expires_at", expiresAt),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)
	ub.Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": id,
		}).Error("failed to update connection tokens")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update connection")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update connection")
	}
	if affected == 0 {
		return NotFound("connection %s does not exist", id)
	}

	return nil
}

// UpdateMetadata persists the metadata blob, which carries the sync cursor,
// interval override and last-run bookkeeping. Workers hold the connection's
// lease while calling this; API writes race a running sync at worst into a
// stale interval, which the next tick re-reads anyway.
func (r *ConnectionRepository) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata database.JSONB[models.ConnectionMetadata]) error {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.UpdateMetadata")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(connectionsTable)
	ub.Set(
		ub.Assign("metadata", metadata),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)
	ub.Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": id,
		}).Error("failed to update connection metadata")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update connection")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update connection")
	}
	if affected == 0 {
		return NotFound("connection %s does not exist", id)
	}

	return nil
}
