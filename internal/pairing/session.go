package pairing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sofya/companion-bridge/internal/bus"
	"github.com/sofya/companion-bridge/internal/observability"
)

// Session is an established pairing. It publishes on its topic until Close.
type Session struct {
	id      string
	code    string
	topic   string
	conn    *bus.Connection
	release func()
	logger  zerolog.Logger
	metrics *observability.SessionMetrics

	mu       sync.RWMutex
	closed   bool
	closeErr error
}

func newSession(id, code, sessionTopic string, conn *bus.Connection, release func(), logger zerolog.Logger) *Session {
	s := &Session{
		id:      id,
		code:    code,
		topic:   sessionTopic,
		conn:    conn,
		release: release,
		logger:  logger,
		metrics: observability.NewSessionMetrics(id),
	}
	s.metrics.RecordSessionStart()
	return s
}

func (s *Session) ID() string    { return s.id }
func (s *Session) Code() string  { return s.code }
func (s *Session) Topic() string { return s.topic }

// Connected reports whether the session is open and its connection live.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed && s.conn.Connected()
}

// Publish sends payload on topic while the session is open.
func (s *Session) Publish(topic, payload string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("session %s closed: %w", s.id, bus.ErrClosed)
	}
	return s.conn.Publish(topic, payload)
}

// Close tears the session down: it publishes the disconnect marker if the
// connection is live, unsubscribes, then releases the connection. Every step
// runs even if an earlier one fails and the failures are joined. Only the
// first call does anything; later calls return its result.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closeErr
	}
	s.closed = true

	var errs []error
	if s.conn.Connected() {
		if err := s.conn.Publish(s.topic, MarkerDisconnected); err != nil {
			errs = append(errs, fmt.Errorf("announce disconnect: %w", err))
		}
	}
	// A dead connection took the subscription with it.
	if err := s.conn.Unsubscribe(s.topic); err != nil && !errors.Is(err, bus.ErrNotConnected) {
		errs = append(errs, err)
	}
	s.release()
	s.metrics.RecordSessionEnd()

	s.closeErr = errors.Join(errs...)
	if s.closeErr != nil {
		s.logger.Warn().Err(s.closeErr).Msg("Session closed with errors")
	} else {
		s.logger.Info().Msg("Session closed")
	}
	return s.closeErr
}
