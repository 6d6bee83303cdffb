package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pttdictation/dictation-gateway/internal/observability"
)

const (
	// Time allowed to read the next pong message from the UI
	pongWait = 60 * time.Second

	// Send pings to the UI with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10
)

// handleEvents streams every relay event to a desktop UI as JSON text frames.
// Anything the UI sends is discarded.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade event stream")
		return
	}
	s.track(conn)
	defer s.untrack(conn)
	defer conn.Close()

	logger := observability.WithConnectionID(s.logger, observability.NewConnectionID()).With().
		Str("remote_addr", r.RemoteAddr).
		Logger()

	sub := s.broadcaster.Subscribe()
	defer func() {
		sub.Close()
		logger.Info().Uint64("dropped", sub.Dropped()).Msg("Event subscriber detached")
	}()
	logger.Info().Msg("Event subscriber attached")

	done := make(chan struct{})
	go s.readEvents(conn, done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	writeWait := s.cfg.WriteTimeoutDuration()
	for {
		select {
		case <-done:
			return
		case data, ok := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug().Err(err).Msg("Failed to write event")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readEvents drains the UI side so control frames are processed, and closes
// done when the connection ends.
func (s *Server) readEvents(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Msg("Event stream read error")
			}
			return
		}
	}
}
