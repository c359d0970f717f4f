package api

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"taskflow/backend/internal/logging"
)

const writeWait = 10 * time.Second

// StreamEvents upgrades to a websocket and forwards feed events as JSON
// messages, optionally only those of one run
// (GET /ws)
func (s *Server) StreamEvents(c echo.Context, params FeedParams) error {
	log := logging.FromContext(c.Request().Context())
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		log.Debug("websocket upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()

	var runID string
	if params.RunID != nil {
		runID = *params.RunID
	}
	sub := s.hub.Subscribe(runID, s.feedBuffer)
	defer sub.Close()
	log.Debug("feed subscriber connected", "run_id", runID, "remote", c.RealIP())

	pongWait := 2 * s.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Clients only send control frames; reading is what processes them.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()
	ctx := c.Request().Context()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("feed subscriber write failed", "error", err)
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		case <-gone:
			log.Debug("feed subscriber disconnected", "run_id", runID)
			return nil
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return nil
		}
	}
}
