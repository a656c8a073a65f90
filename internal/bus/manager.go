package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sofya/companion-bridge/internal/observability"
	"github.com/sofya/companion-bridge/internal/resilience"
)

// Manager owns the single shared broker connection and counts its borrowers.
// Acquire and Release are its only mutators. Borrows are counted per
// physical connection, so giving back a connection that has since been
// replaced never touches the count of its successor.
type Manager struct {
	creds  Credentials
	dialer Dialer
	logger zerolog.Logger

	breakerMaxFailures int
	breakerReset       time.Duration

	mu   sync.Mutex
	conn *Connection
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used by the manager and its connections.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithCircuitBreaker configures the breaker guarding publishes.
func WithCircuitBreaker(maxFailures int, resetTimeout time.Duration) Option {
	return func(m *Manager) {
		m.breakerMaxFailures = maxFailures
		m.breakerReset = resetTimeout
	}
}

// NewManager creates a manager; no connection is opened until Acquire.
func NewManager(creds Credentials, dialer Dialer, opts ...Option) *Manager {
	m := &Manager{
		creds:              creds,
		dialer:             dialer,
		logger:             observability.WithComponent("bus"),
		breakerMaxFailures: 5,
		breakerReset:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire borrows the shared connection. A connected or connecting
// connection is shared and its borrow count incremented. Otherwise any
// stale connection is closed and a new one is dialed with a count of one.
// Acquire never waits for the handshake; use Connection.Await. Every
// Acquire is paired with a Release of the returned connection.
func (m *Manager) Acquire() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		switch state := m.conn.State(); state {
		case StateConnected, StateConnecting:
			m.conn.refs++
			observability.SetBusRefCount(m.conn.refs)
			m.logger.Debug().Str("conn_id", m.conn.ID()).Int("refs", m.conn.refs).Msg("Bus connection acquired")
			return m.conn
		default:
			m.logger.Info().
				Str("conn_id", m.conn.ID()).
				Str("state", state.String()).
				Int("stale_refs", m.conn.refs).
				Msg("Replacing stale bus connection")
			m.conn.close()
		}
	}

	m.conn = m.dialLocked()
	m.conn.refs = 1
	observability.SetBusRefCount(m.conn.refs)
	return m.conn
}

// Release gives back one borrow of conn. When the current connection's
// count reaches zero it is closed. A replaced connection is already closed,
// so releasing it only settles its own count. Releasing with nothing
// outstanding is a no-op.
func (m *Manager) Release(conn *Connection) {
	if conn == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if conn.refs == 0 {
		return
	}
	conn.refs--

	if conn != m.conn {
		m.logger.Debug().Str("conn_id", conn.ID()).Int("refs", conn.refs).Msg("Released replaced bus connection")
		return
	}

	observability.SetBusRefCount(conn.refs)
	if conn.refs == 0 {
		m.logger.Debug().Str("conn_id", conn.ID()).Msg("Last borrower released bus connection")
		conn.close()
		m.conn = nil
	}
}

// RefCount returns the number of outstanding borrows of the current
// connection.
func (m *Manager) RefCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return 0
	}
	return m.conn.refs
}

// Check reports readiness from the current connection without dialing. With
// no borrower the bus is idle and ready; it is dialed on the next Acquire.
// A connecting connection is awaited until ctx is done.
func (m *Manager) Check(ctx context.Context) (bool, error) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return true, nil
	}

	result := make(chan error, 1)
	cancel := conn.Await(
		func() { result <- nil },
		func(err error) { result <- err },
	)
	defer cancel()

	select {
	case err := <-result:
		if errors.Is(err, ErrClosed) {
			// released by its last borrower while we waited
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("bus unreachable: %w", err)
		}
		return true, nil
	case <-ctx.Done():
		return false, fmt.Errorf("bus not connected: %w", ctx.Err())
	}
}

func (m *Manager) dialLocked() *Connection {
	id := uuid.New().String()
	logger := m.logger.With().Str("conn_id", id).Logger()
	breaker := resilience.NewCircuitBreaker("bus_publish", m.breakerMaxFailures, m.breakerReset)

	transport := m.dialer.Dial(m.creds)
	conn := newConnection(id, transport, breaker, logger)
	observability.IncrementBusDials()
	observability.SetBusState(int(StateConnecting))

	logger.Info().Str("url", m.creds.URL).Msg("Dialing bus")
	transport.Connect(conn.events())
	return conn
}
