package v1

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The facade is single-host tooling, not an internet-facing API.
		return true
	},
}

// StreamSession upgrades the connection and tails a session's live
// events over WebSocket until the client disconnects.
func (h *Handler) StreamSession(c echo.Context) error {
	sessionID := c.Param("session_id")

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	sub := h.hub.Subscribe(sessionID, ws)
	log.Printf("INFO: subscriber %s tailing session %s", sub.ID, sessionID)

	go h.hub.WritePump(sub)

	// Drain (and discard) client messages to observe disconnects.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unsubscribe(sub)
	return nil
}
