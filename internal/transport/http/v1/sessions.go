package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/mcptap/internal/domain"
)

// OpenSessionRequest is the body of POST /v1/sessions.
type OpenSessionRequest struct {
	AgentName string `json:"agent_name,omitempty"`
}

// CloseSessionRequest is the body of POST /v1/sessions/:session_id/close.
type CloseSessionRequest struct {
	Status domain.SessionStatus `json:"status,omitempty"`
}

// OpenSession starts a new recording session.
func (h *Handler) OpenSession(c echo.Context) error {
	var req OpenSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	session := h.service.OpenSession(c.Request().Context(), req.AgentName)
	return c.JSON(http.StatusCreated, session)
}

// CloseSession terminates a session.
func (h *Handler) CloseSession(c echo.Context) error {
	sessionID := c.Param("session_id")
	var req CloseSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Status == "" {
		req.Status = domain.SessionStatusCompleted
	}
	if !req.Status.Terminal() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "status must be terminal"})
	}

	session, err := h.service.CloseSession(c.Request().Context(), sessionID, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		case errors.Is(err, domain.ErrSessionAlreadyClosed):
			return c.JSON(http.StatusConflict, map[string]string{"error": "session already closed"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, session)
}

// ListSessions returns stored sessions, most recent first.
func (h *Handler) ListSessions(c echo.Context) error {
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}

	sessions, err := h.service.ListSessions(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// GetSession returns one session.
func (h *Handler) GetSession(c echo.Context) error {
	sessionID := c.Param("session_id")

	session, err := h.service.GetSession(c.Request().Context(), sessionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if session == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	}
	return c.JSON(http.StatusOK, session)
}
