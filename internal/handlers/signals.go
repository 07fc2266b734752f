package handlers

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/poblysh/pollen/pkg/repositories"
)

// SignalHandler serves the canonical signal stream
type SignalHandler struct {
	repo *repositories.SignalRepository
}

// NewSignalHandler creates a new signal handler
func NewSignalHandler(repo *repositories.SignalRepository) *SignalHandler {
	return &SignalHandler{repo: repo}
}

// RegisterRoutes registers signal routes
func (h *SignalHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/signals", h.List)
}

// List handles GET /signals?source=&kind=&since=&limit=
func (h *SignalHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	filter := repositories.SignalFilter{
		Source: c.QueryParam("source"),
		Kind:   c.QueryParam("kind"),
		Limit:  atoiOrZero(c.QueryParam("limit")),
	}

	if raw := c.QueryParam("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return BadRequest("invalid since: must be RFC3339")
		}
		filter.Since = since
	}

	sigs, err := h.repo.List(ctx, filter)
	if err != nil {
		return err
	}

	return SuccessResponse(c, sigs)
}
