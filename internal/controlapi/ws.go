package controlapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const wsWriteTimeout = 10 * time.Second

// upgrader accepts cross-origin dashboard connections; the control surface
// is meant to sit behind an operator-trusted network, not the open internet.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWSEvents answers GET /ws/events, streaming the observability event
// bus as JSON text frames. Grounded on coordinator.go's dial/WriteMessage
// framing, generalized from the client side (Dialer.DialContext) to the
// server side (websocket.Upgrader.Upgrade).
func (s *Server) handleWSEvents(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, unsub := s.bus.Subscribe()
	defer unsub()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.log.WithError(err).Warn("controlapi: event marshal failed")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return nil
			}
		}
	}
}
