package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/poblysh/pollen/pkg/connectors"
	appctx "github.com/poblysh/pollen/pkg/context"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/oauth"
	"github.com/poblysh/pollen/pkg/redis"
	"github.com/poblysh/pollen/pkg/repositories"
	"github.com/poblysh/pollen/pkg/vault"
)

var validate = validator.New()

// ConnectionHandler handles connection and OAuth flow endpoints
type ConnectionHandler struct {
	registry    *connectors.Registry
	states      *oauth.StateStore
	vault       *vault.Vault
	connections *repositories.ConnectionRepository
	jobs        *repositories.SyncJobRepository
	streams     *redis.Streams
	jobQueue    string
	logger      ectologger.Logger
}

// NewConnectionHandler creates a new connection handler
func NewConnectionHandler(
	registry *connectors.Registry,
	states *oauth.StateStore,
	v *vault.Vault,
	connections *repositories.ConnectionRepository,
	jobs *repositories.SyncJobRepository,
	streams *redis.Streams,
	jobQueue string,
	logger ectologger.Logger,
) *ConnectionHandler {
	return &ConnectionHandler{
		registry:    registry,
		states:      states,
		vault:       v,
		connections: connections,
		jobs:        jobs,
		streams:     streams,
		jobQueue:    jobQueue,
		logger:      logger,
	}
}

// AuthorizeResponse carries the provider authorize URL for the client to follow
type AuthorizeResponse struct {
	AuthorizeURL string `json:"authorize_url"`
}

// SyncRequest optionally forces a full re-sync
type SyncRequest struct {
	Full bool `json:"full"`
}

// UpdateRequest adjusts per-connection sync settings. A zero interval
// clears the override and restores the default poll cadence.
type UpdateRequest struct {
	IntervalSeconds *int `json:"interval_seconds" validate:"omitempty,gte=0,lte=86400"`
}

// RegisterRoutes registers the authenticated connection routes
func (h *ConnectionHandler) RegisterRoutes(g *echo.Group) {
	conns := g.Group("/connections")
	conns.GET("", h.List)
	conns.GET("/:id", h.GetByID)
	conns.PATCH("/:id", h.Update)
	conns.DELETE("/:id", h.Delete)
	conns.POST("/:id/sync", h.TriggerSync)
	conns.GET("/:id/jobs", h.ListJobs)

	g.POST("/oauth/:provider/authorize", h.Authorize)
}

// RegisterPublicRoutes registers the OAuth callback, which providers hit
// without platform credentials
func (h *ConnectionHandler) RegisterPublicRoutes(g *echo.Group) {
	g.GET("/oauth/:provider/callback", h.Callback)
}

// Authorize handles POST /oauth/:provider/authorize
func (h *ConnectionHandler) Authorize(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	provider := c.Param("provider")
	connector, err := h.registry.Get(provider)
	if err != nil {
		return NotFound("unknown provider: " + provider)
	}

	state, err := h.states.Issue(ctx, tenantID.String(), provider)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to start authorization")
	}

	url, err := connector.AuthorizeURL(ctx, tenantID.String(), state)
	if err != nil {
		return connectorHTTPError(err)
	}

	return SuccessResponse(c, AuthorizeResponse{AuthorizeURL: url})
}

// Callback handles GET /oauth/:provider/callback. The request carries no
// platform credentials; the single-use state token identifies the tenant.
func (h *ConnectionHandler) Callback(c echo.Context) error {
	ctx := c.Request().Context()

	provider := c.Param("provider")
	connector, err := h.registry.Get(provider)
	if err != nil {
		return NotFound("unknown provider: " + provider)
	}

	state := c.QueryParam("state")
	code := c.QueryParam("code")
	if state == "" || code == "" {
		return BadRequest("missing state or code")
	}

	payload, err := h.states.Redeem(ctx, state, provider)
	if err != nil {
		if errors.Is(err, oauth.ErrStateInvalid) {
			return Unauthorized("invalid or expired state")
		}
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to redeem state")
	}

	ctx = appctx.SetTenantID(ctx, payload.TenantID)
	ctx = appctx.SetProvider(ctx, provider)

	ts, err := connector.ExchangeCode(ctx, code)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Warnf("Code exchange failed for %s", provider)
		return connectorHTTPError(err)
	}

	conn, err := h.storeConnection(ctx, provider, payload.TenantID, ts)
	if err != nil {
		return err
	}

	// Kick off the initial full sync so the connection is useful immediately
	if _, err := h.createJob(ctx, conn, models.JobTypeFull, nil); err != nil {
		h.logger.WithContext(ctx).WithError(err).Errorf("Failed to enqueue initial sync for connection %s", conn.ID)
	}

	return CreatedResponse(c, conn)
}

func (h *ConnectionHandler) storeConnection(ctx context.Context, provider, tenantID string, ts *connectors.TokenSet) (*models.Connection, error) {
	binding := vault.Binding{
		TenantID:          tenantID,
		ProviderName:      provider,
		ExternalAccountID: ts.ExternalAccountID,
	}

	accessCiphertext, err := h.vault.EncryptString(ts.AccessToken, binding)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to store credentials")
	}

	var refreshCiphertext []byte
	if ts.RefreshToken != "" {
		refreshCiphertext, err = h.vault.EncryptString(ts.RefreshToken, binding)
		if err != nil {
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to store credentials")
		}
	}

	var expiresAt *time.Time
	if !ts.ExpiresAt.IsZero() {
		t := ts.ExpiresAt.UTC()
		expiresAt = &t
	}

	conn := &models.Connection{
		ProviderName:           provider,
		ExternalAccountID:      ts.ExternalAccountID,
		AccessTokenCiphertext:  accessCiphertext,
		RefreshTokenCiphertext: refreshCiphertext,
		ExpiresAt:              expiresAt,
	}

	if err := h.connections.Create(ctx, conn); err != nil {
		return nil, err
	}

	return conn, nil
}

// List handles GET /connections
func (h *ConnectionHandler) List(c echo.Context) error {
	conns, err := h.connections.List(c.Request().Context())
	if err != nil {
		return err
	}
	return SuccessResponse(c, conns)
}

// GetByID handles GET /connections/:id
func (h *ConnectionHandler) GetByID(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	conn, err := h.connections.GetByID(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return SuccessResponse(c, conn)
}

// Update handles PATCH /connections/:id
func (h *ConnectionHandler) Update(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return BadRequest(err.Error())
	}

	conn, err := h.connections.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if req.IntervalSeconds != nil {
		conn.Metadata.Data.Sync.IntervalSeconds = *req.IntervalSeconds
	}

	if err := h.connections.UpdateMetadata(ctx, id, conn.Metadata); err != nil {
		return err
	}
	return SuccessResponse(c, conn)
}

// Delete handles DELETE /connections/:id. Stored ciphertexts go with the
// row; the provider-side grant is the user's to revoke.
func (h *ConnectionHandler) Delete(c echo.Context) error {
	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.connections.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return NoContentResponse(c)
}

// TriggerSync handles POST /connections/:id/sync
func (h *ConnectionHandler) TriggerSync(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	var req SyncRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return BadRequest("invalid request body")
		}
	}

	conn, err := h.connections.GetByID(ctx, id)
	if err != nil {
		return err
	}

	jobType := models.JobTypeIncremental
	cursor := conn.Metadata.Data.Sync.Cursor
	if req.Full {
		jobType = models.JobTypeFull
		cursor = nil
	}

	job, err := h.createJob(ctx, conn, jobType, cursor)
	if err != nil {
		return err
	}

	return AcceptedResponse(c, job)
}

// ListJobs handles GET /connections/:id/jobs
func (h *ConnectionHandler) ListJobs(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	// 404 for connections the tenant cannot see
	if _, err := h.connections.GetByID(ctx, id); err != nil {
		return err
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		limit = atoiOrZero(raw)
	}

	jobs, err := h.jobs.ListByConnection(ctx, id, limit)
	if err != nil {
		return err
	}
	return SuccessResponse(c, jobs)
}

// createJob persists a queued job row and publishes its queue message
func (h *ConnectionHandler) createJob(ctx context.Context, conn *models.Connection, jobType models.JobType, cursor json.RawMessage) (*models.SyncJob, error) {
	job := &models.SyncJob{
		ConnectionID: conn.ID,
		ProviderName: conn.ProviderName,
		JobType:      jobType,
		State:        models.JobStateQueued,
		CursorIn:     cursor,
	}

	if err := h.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	if _, err := h.streams.Publish(ctx, h.jobQueue, &redis.SyncJobMessage{
		JobID:        job.ID.String(),
		TenantID:     job.TenantID.String(),
		ConnectionID: conn.ID.String(),
		Provider:     conn.ProviderName,
		JobType:      string(jobType),
	}); err != nil {
		h.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish job %s", job.ID)
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to enqueue sync job")
	}

	return job, nil
}

// connectorHTTPError maps connector sentinels onto API status codes
func connectorHTTPError(err error) error {
	if httperror.IsHTTPError(err) {
		return err
	}

	switch {
	case errors.Is(err, connectors.ErrUnknownProvider):
		return httperror.NewHTTPError(http.StatusNotFound, "unknown provider")
	case errors.Is(err, connectors.ErrAuthenticationRequired):
		return httperror.NewHTTPError(http.StatusUnauthorized, "provider rejected the credentials")
	case errors.Is(err, connectors.ErrPermissionDenied):
		return httperror.NewHTTPError(http.StatusForbidden, "provider denied access")
	case errors.Is(err, connectors.ErrUnsupported):
		return httperror.NewHTTPError(http.StatusBadRequest, "provider does not support this operation")
	}

	if _, ok := connectors.AsRateLimited(err); ok {
		return httperror.NewHTTPError(http.StatusTooManyRequests, "provider rate limit exceeded")
	}

	return httperror.NewHTTPError(http.StatusBadGateway, "provider request failed")
}

func atoiOrZero(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
