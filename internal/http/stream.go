package http

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"fintrack/internal/analytics"
	"fintrack/internal/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 512
)

// handleAnalyticsStream pushes the current forecast on connect and then every
// newly published one. Clients only read; inbound frames are discarded.
func (s *Server) handleAnalyticsStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.FromContext(ctx)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		logger.WarnContext(ctx, "WebSocket upgrade failed", log.FieldError, err.Error())
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.ledger.Subscribe()
	defer unsubscribe()

	logger.InfoContext(ctx, "Analytics stream connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxInboundSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.WarnContext(ctx, "Analytics stream read failed", log.FieldError, err.Error())
				}
				return
			}
		}
	}()

	send := func(fc analytics.Forecast) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(streamMessage{Type: "forecast", Forecast: fc})
	}

	if err := send(s.ledger.Forecast()); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case fc, ok := <-updates:
			if !ok {
				// engine closed
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if err := send(fc); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			logger.InfoContext(ctx, "Analytics stream disconnected")
			return
		}
	}
}
