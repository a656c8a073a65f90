// Package surface connects embedded content surfaces to the relay: over a
// WebSocket for the server and over stdio for the CLI.
package surface

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sofya/companion-bridge/internal/pairing"
	"github.com/sofya/companion-bridge/internal/relay"
)

// Close codes sent when a bridge connection ends.
const (
	CloseInvalidCode     = 4001
	CloseConnectionError = 4002
	CloseSessionActive   = 4009
)

const (
	writeWait    = 10 * time.Second
	inboundQueue = 64
)

var upgrader = websocket.Upgrader{
	// The surface is embedded by the companion itself; there is no browser
	// origin to check.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsSurface adapts one WebSocket connection to relay.Surface.
type wsSurface struct {
	conn   *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex
	inbound chan []byte
	done    chan struct{}
}

func newWSSurface(conn *websocket.Conn, logger zerolog.Logger) *wsSurface {
	return &wsSurface{
		conn:    conn,
		logger:  logger,
		inbound: make(chan []byte, inboundQueue),
		done:    make(chan struct{}),
	}
}

func (s *wsSurface) Inbound() <-chan []byte {
	return s.inbound
}

// Send writes one text frame. Writes are serialised.
func (s *wsSurface) Send(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop feeds inbound until the peer goes away or the surface is closed.
func (s *wsSurface) readLoop() {
	defer close(s.inbound)
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		select {
		case s.inbound <- message:
		case <-s.done:
			return
		}
	}
}

// close sends a close frame and stops the read loop.
func (s *wsSurface) close(code int, reason string) {
	close(s.done)
	s.writeMu.Lock()
	err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	s.writeMu.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug().Err(err).Msg("Failed to send close frame")
	}
}

// HandleBridgeWS serves /bridge?code=<pairing code>. The connection lives as
// long as the paired session; pairing failures close it with a 4xxx code.
func HandleBridgeWS(rl *relay.Relay, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client.
			logger.Warn().Err(err).Msg("Failed to upgrade bridge connection")
			return
		}
		defer conn.Close()

		surface := newWSSurface(conn, logger)
		go surface.readLoop()
		logger.Info().Str("remote", r.RemoteAddr).Msg("Bridge surface attached")

		err = rl.Run(r.Context(), code, surface)
		closeCode, reason := closeFrameFor(err)
		if err != nil {
			logger.Warn().Err(err).Int("close_code", closeCode).Msg("Bridge session ended")
		}
		surface.close(closeCode, reason)
	}
}

func closeFrameFor(err error) (int, string) {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return websocket.CloseNormalClosure, ""
	case errors.Is(err, pairing.ErrInvalidCode):
		return CloseInvalidCode, "invalid_code"
	case errors.Is(err, pairing.ErrConnection):
		return CloseConnectionError, "connection_error"
	case errors.Is(err, relay.ErrSessionActive):
		return CloseSessionActive, "session_active"
	default:
		return websocket.CloseInternalServerErr, "internal_error"
	}
}
