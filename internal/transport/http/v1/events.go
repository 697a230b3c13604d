package v1

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/mcptap/internal/domain"
	"github.com/xiaot623/mcptap/internal/service"
)

// CallRequest is the body of POST /v1/sessions/:session_id/calls: the
// call metadata plus the JSON-RPC request to forward.
type CallRequest struct {
	EventType domain.EventType   `json:"event_type"`
	Meta      domain.CallMeta    `json:"meta"`
	Request   *domain.RPCRequest `json:"request"`
	TimeoutMs int                `json:"timeout_ms,omitempty"`
}

// Call records and forwards one downstream call. The upstream's own
// failure is reported in the response body, not as an HTTP error: from
// the facade's point of view the recording pipeline worked.
func (h *Handler) Call(c echo.Context) error {
	sessionID := c.Param("session_id")
	var req CallRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Request == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "request is required"})
	}
	if !req.EventType.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown event_type"})
	}

	deadline := time.Duration(req.TimeoutMs) * time.Millisecond

	resp, err := h.service.Call(c.Request().Context(), sessionID, req.EventType, req.Meta, req.Request, deadline)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSessionNotActive):
			return c.JSON(http.StatusConflict, map[string]string{"error": "session not active"})
		case errors.Is(err, domain.ErrUnknownUpstream):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"response": resp})
}

// GetSessionEvents returns a session's events in sequence order.
func (h *Handler) GetSessionEvents(c echo.Context) error {
	sessionID := c.Param("session_id")

	var afterSeq int64
	if a := c.QueryParam("after_seq"); a != "" {
		if val, err := strconv.ParseInt(a, 10, 64); err == nil {
			afterSeq = val
		}
	}
	var types []string
	if t := c.QueryParam("types"); t != "" {
		types = strings.Split(t, ",")
	}
	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}

	events, err := h.service.ListEvents(c.Request().Context(), sessionID, afterSeq, types, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if events == nil {
		events = []domain.Event{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events})
}

// GetSessionTree returns a session's events as a nested call forest.
func (h *Handler) GetSessionTree(c echo.Context) error {
	sessionID := c.Param("session_id")

	roots, err := h.service.EventTree(c.Request().Context(), sessionID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if roots == nil {
		roots = []*service.EventNode{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tree": roots})
}
