package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appctx "github.com/poblysh/pollen/pkg/context"
	"github.com/poblysh/pollen/pkg/models"
	"github.com/poblysh/pollen/pkg/redis"
	"github.com/poblysh/pollen/pkg/repositories"
	"github.com/poblysh/pollen/pkg/webhooks"
)

// maxWebhookBody caps inbound payloads at 1 MiB
const maxWebhookBody = 1 << 20

// WebhookHandler is the public webhook ingress. It verifies, canonicalizes
// and enqueues; connectors interpret payloads later, on a worker.
type WebhookHandler struct {
	verifier    *webhooks.Verifier
	connections *repositories.ConnectionRepository
	jobs        *repositories.SyncJobRepository
	streams     *redis.Streams
	jobQueue    string
	logger      ectologger.Logger
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(
	verifier *webhooks.Verifier,
	connections *repositories.ConnectionRepository,
	jobs *repositories.SyncJobRepository,
	streams *redis.Streams,
	jobQueue string,
	logger ectologger.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		verifier:    verifier,
		connections: connections,
		jobs:        jobs,
		streams:     streams,
		jobQueue:    jobQueue,
		logger:      logger,
	}
}

// RegisterRoutes registers the public webhook ingress route
func (h *WebhookHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/webhooks/:provider/:connection_id", h.Receive)
}

// Receive handles POST /webhooks/:provider/:connection_id. It acks fast:
// verification and enqueue only, never a provider API call.
func (h *WebhookHandler) Receive(c echo.Context) error {
	ctx := c.Request().Context()
	provider := c.Param("provider")

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return BadRequest("failed to read request body")
	}
	if len(body) > maxWebhookBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}

	// Verification runs on the raw headers, before canonicalization strips
	// the signature headers
	if err := h.verifier.Verify(ctx, provider, c.Request().Header, body); err != nil {
		if errors.Is(err, webhooks.ErrUnknownProvider) {
			return NotFound("unknown provider")
		}
		return Unauthorized("webhook verification failed")
	}

	connectionID, err := ParseUUID(c, "connection_id")
	if err != nil {
		return err
	}

	conn, err := h.connections.GetByIDSystem(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.ProviderName != provider {
		return NotFound("connection does not exist")
	}

	ctx = appctx.SetTenantID(ctx, conn.TenantID.String())
	ctx = appctx.SetProvider(ctx, provider)
	ctx = appctx.SetConnectionID(ctx, connectionID.String())

	envelope := webhooks.Canonicalize(provider, c.Request().Header, body)

	// Slack's endpoint handshake wants the challenge echoed back, nothing
	// enqueued
	if provider == models.ProviderSlack {
		if challenge, ok := slackChallenge(envelope); ok {
			return c.JSON(http.StatusOK, map[string]string{"challenge": challenge})
		}
	}

	rawEnvelope, err := json.Marshal(envelope)
	if err != nil {
		return BadRequest("invalid webhook payload")
	}

	job := &models.SyncJob{
		ConnectionID: conn.ID,
		ProviderName: provider,
		JobType:      models.JobTypeWebhook,
		State:        models.JobStateQueued,
	}
	if err := h.jobs.Create(ctx, job); err != nil {
		return err
	}

	if _, err := h.streams.Publish(ctx, h.jobQueue, &redis.SyncJobMessage{
		JobID:        job.ID.String(),
		TenantID:     conn.TenantID.String(),
		ConnectionID: conn.ID.String(),
		Provider:     provider,
		JobType:      string(models.JobTypeWebhook),
		Envelope:     rawEnvelope,
	}); err != nil {
		h.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish webhook job %s", job.ID)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to enqueue webhook")
	}

	return c.JSON(http.StatusAccepted, map[string]string{"job_id": job.ID.String()})
}

func slackChallenge(envelope *models.WebhookEnvelope) (string, bool) {
	if envelope.ParsedBody == nil {
		return "", false
	}
	if t, _ := envelope.ParsedBody["type"].(string); t != "url_verification" {
		return "", false
	}
	challenge, ok := envelope.ParsedBody["challenge"].(string)
	return challenge, ok && challenge != ""
}
