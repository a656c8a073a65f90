// Package bus owns the process-wide connection to the publish/subscribe
// broker. Consumers borrow it through Manager.Acquire and give it back with
// Manager.Release; the physical connection is closed when the last borrower
// releases it.
package bus

import "errors"

var (
	// ErrNotConnected is returned by broker operations attempted while the
	// connection is not established.
	ErrNotConnected = errors.New("bus connection is not established")

	// ErrClosed is delivered to observers still waiting when the connection
	// is torn down.
	ErrClosed = errors.New("bus connection closed")

	// ErrSubscriptionRejected means the broker refused a subscription.
	ErrSubscriptionRejected = errors.New("subscription rejected by broker")

	// ErrTimeout means the broker did not acknowledge an operation in time.
	ErrTimeout = errors.New("bus operation timed out")
)

// Credentials locate and authenticate against the broker.
type Credentials struct {
	URL      string
	Username string
	Password string
}

// Handler receives messages published on a subscribed topic.
type Handler func(topic string, payload []byte)

// Events is how a Transport reports connection lifecycle changes. Callbacks
// may run on any goroutine and must not block.
type Events struct {
	// OnConnected fires on every successful handshake, reconnects included.
	OnConnected func()
	// OnConnecting fires when an established connection dropped and the
	// transport is reconnecting on its own.
	OnConnecting func()
	// OnError fires when a handshake fails.
	OnError func(err error)
	// OnDisconnected fires when an established connection dropped for good.
	OnDisconnected func(err error)
}

// Transport is one physical broker connection.
type Transport interface {
	// Connect starts the handshake and returns without waiting for it.
	Connect(events Events)
	Subscribe(topic string, handler Handler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte) error
	Close()
}

// Dialer builds unconnected transports.
type Dialer interface {
	Dial(creds Credentials) Transport
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(creds Credentials) Transport

func (f DialerFunc) Dial(creds Credentials) Transport {
	return f(creds)
}
