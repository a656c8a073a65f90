package bus

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sofya/companion-bridge/internal/observability"
	"github.com/sofya/companion-bridge/internal/resilience"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type waiter struct {
	onConnected func()
	onError     func(error)
}

// Connection is a borrowed handle on the shared broker connection. It is
// created and closed only by Manager.
type Connection struct {
	id      string
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger

	// refs is guarded by the owning Manager's mutex.
	refs int

	mu         sync.Mutex
	state      State
	lastErr    error
	closed     bool
	connected  bool
	transport  Transport
	subs       map[string]Handler
	waiters    map[uint64]waiter
	nextWaiter uint64
}

func newConnection(id string, transport Transport, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *Connection {
	return &Connection{
		id:        id,
		breaker:   breaker,
		logger:    logger,
		state:     StateConnecting,
		transport: transport,
		subs:      make(map[string]Handler),
		waiters:   make(map[uint64]waiter),
	}
}

// ID identifies the physical connection in logs.
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether broker operations can be attempted.
func (c *Connection) Connected() bool {
	return c.State() == StateConnected
}

// Err returns the error that moved the connection out of the connected
// state, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Await registers one-shot observers for the outcome of the handshake.
// Exactly one of them runs, at most once: immediately if the outcome is
// already known, otherwise on the transport's goroutine. Observers must not
// block. The returned cancel drops the registration if it has not fired.
func (c *Connection) Await(onConnected func(), onError func(error)) (cancel func()) {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		onConnected()
		return func() {}
	case StateErrored, StateDisconnected:
		err := c.failureLocked()
		c.mu.Unlock()
		onError(err)
		return func() {}
	}

	id := c.nextWaiter
	c.nextWaiter++
	c.waiters[id] = waiter{onConnected: onConnected, onError: onError}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}
}

// Subscribe subscribes to topic; messages are delivered to handler. The
// subscription is renewed after the transport reconnects.
func (c *Connection) Subscribe(topic string, handler Handler) error {
	t, err := c.live()
	if err != nil {
		return err
	}
	if err := t.Subscribe(topic, handler); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes the subscription on topic.
func (c *Connection) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	t, err := c.live()
	if err != nil {
		return err
	}
	if err := t.Unsubscribe(topic); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Publish sends payload on topic. Consecutive failures open the circuit
// breaker, after which Publish fails fast with resilience.ErrOpen.
func (c *Connection) Publish(topic, payload string) error {
	t, err := c.live()
	if err != nil {
		return err
	}

	err = c.breaker.Call(func() error {
		return t.Publish(topic, []byte(payload))
	})

	observability.UpdateCircuitBreakerState(c.breaker.Name(), int(c.breaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures(c.breaker.Name())
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *Connection) live() (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected {
		return nil, fmt.Errorf("%w (state %s)", ErrNotConnected, c.state)
	}
	return c.transport, nil
}

func (c *Connection) failureLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.lastErr != nil {
		return c.lastErr
	}
	return ErrNotConnected
}

func (c *Connection) events() Events {
	return Events{
		OnConnected:    c.handleConnected,
		OnConnecting:   c.handleConnecting,
		OnError:        c.handleError,
		OnDisconnected: c.handleDisconnected,
	}
}

// drainLocked removes and returns every pending waiter.
func (c *Connection) drainLocked() []waiter {
	if len(c.waiters) == 0 {
		return nil
	}
	out := make([]waiter, 0, len(c.waiters))
	for id, w := range c.waiters {
		out = append(out, w)
		delete(c.waiters, id)
	}
	return out
}

func (c *Connection) setStateLocked(state State, err error) {
	c.state = state
	c.lastErr = err
	observability.SetBusState(int(state))
}

func (c *Connection) handleConnected() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnected, nil)
	reconnect := c.connected
	c.connected = true
	pending := c.drainLocked()
	var resume map[string]Handler
	if reconnect && len(c.subs) > 0 {
		resume = make(map[string]Handler, len(c.subs))
		for topic, h := range c.subs {
			resume[topic] = h
		}
	}
	t := c.transport
	c.mu.Unlock()

	if reconnect {
		// publishes failed while the link was down; start counting afresh
		c.breaker.Reset()
		observability.UpdateCircuitBreakerState(c.breaker.Name(), int(c.breaker.GetState()))
		c.logger.Info().Int("subscriptions", len(resume)).Msg("Bus reconnected")
		c.resubscribe(t, resume)
	} else {
		c.logger.Info().Int("waiters", len(pending)).Msg("Bus connected")
	}

	for _, w := range pending {
		w.onConnected()
	}
}

// resubscribe renews subscriptions a clean-session reconnect dropped.
func (c *Connection) resubscribe(t Transport, subs map[string]Handler) {
	for topic, h := range subs {
		if err := t.Subscribe(topic, h); err != nil {
			c.logger.Error().Err(err).Str("topic", topic).Msg("Failed to renew subscription")
			observability.RecordError("resubscribe_failed", "bus")
		}
	}
}

func (c *Connection) handleConnecting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.setStateLocked(StateConnecting, nil)
	c.logger.Warn().Msg("Bus connection lost, reconnecting")
}

func (c *Connection) handleError(err error) {
	if c.fail(StateErrored, err) {
		c.logger.Error().Err(err).Msg("Bus connection failed")
		observability.RecordError("connect_error", "bus")
	}
}

func (c *Connection) handleDisconnected(err error) {
	if c.fail(StateDisconnected, err) {
		c.logger.Warn().Err(err).Msg("Bus connection lost")
		observability.RecordError("connection_lost", "bus")
	}
}

// fail moves to state and notifies pending waiters. It reports false when
// the connection was already closed.
func (c *Connection) fail(state State, err error) bool {
	if err == nil {
		err = ErrNotConnected
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.setStateLocked(state, err)
	pending := c.drainLocked()
	c.mu.Unlock()

	for _, w := range pending {
		w.onError(err)
	}
	return true
}

// close terminates the physical connection. Waiters still pending observe
// ErrClosed. Safe to call more than once.
func (c *Connection) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.setStateLocked(StateDisconnected, ErrClosed)
	pending := c.drainLocked()
	t := c.transport
	c.mu.Unlock()

	t.Close()
	state, requests, failures, rate := c.breaker.GetStats()
	c.logger.Info().
		Str("breaker_state", state.String()).
		Int64("publishes", requests).
		Int64("publish_failures", failures).
		Float64("failure_rate", rate).
		Msg("Bus connection closed")

	for _, w := range pending {
		w.onError(ErrClosed)
	}
}
