package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pttdictation/dictation-gateway/internal/observability"
)

// handlePhone upgrades a phone connection and processes its frames in
// arrival order until the peer goes away or a reply cannot be written.
func (s *Server) handlePhone(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade WebSocket connection")
		return
	}
	s.track(conn)
	defer s.untrack(conn)
	defer conn.Close()

	connID := observability.NewConnectionID()
	logger := observability.WithConnectionID(s.logger, connID).With().
		Str("remote_addr", r.RemoteAddr).
		Logger()

	metrics := observability.NewConnectionMetrics()
	defer metrics.RecordClosed()

	rc := s.relay.NewConn(logger)
	defer rc.Close()

	conn.SetReadLimit(s.cfg.MaxMessageSize)
	ctx := r.Context()

	logger.Info().Msg("Phone connected")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket read error")
			} else {
				logger.Info().Msg("Phone disconnected")
			}
			return
		}

		if msgType != websocket.TextMessage {
			logger.Debug().Int("frame_type", msgType).Msg("Ignoring non-text frame")
			continue
		}

		reply, ok := rc.HandleFrame(ctx, data)
		if !ok {
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeoutDuration()))
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			logger.Warn().Err(err).Msg("Failed to send reply")
			return
		}
	}
}
