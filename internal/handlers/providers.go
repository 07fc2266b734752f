package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/poblysh/pollen/pkg/connectors"
)

// ProviderHandler serves the static provider catalog
type ProviderHandler struct {
	registry *connectors.Registry
}

// NewProviderHandler creates a new provider handler
func NewProviderHandler(registry *connectors.Registry) *ProviderHandler {
	return &ProviderHandler{registry: registry}
}

// RegisterRoutes registers provider routes
func (h *ProviderHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/providers", h.List)
}

// List handles GET /providers
func (h *ProviderHandler) List(c echo.Context) error {
	return SuccessResponse(c, h.registry.ListMetadata())
}
