// Package v1 provides HTTP handlers for the mcptap API.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/mcptap/internal/hub"
	"github.com/xiaot623/mcptap/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	hub     *hub.Hub
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service, h *hub.Hub) *Handler {
	return &Handler{
		service: service,
		hub:     h,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Session lifecycle (driven by the host agent runtime)
	e.POST("/v1/sessions", h.OpenSession)
	e.POST("/v1/sessions/:session_id/close", h.CloseSession)

	// Call recording + forwarding
	e.POST("/v1/sessions/:session_id/calls", h.Call)

	// Query facade
	e.GET("/v1/sessions", h.ListSessions)
	e.GET("/v1/sessions/:session_id", h.GetSession)
	e.GET("/v1/sessions/:session_id/events", h.GetSessionEvents)
	e.GET("/v1/sessions/:session_id/tree", h.GetSessionTree)
	e.GET("/v1/sessions/:session_id/stream", h.StreamSession)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
