// Package pairing turns a pairing code into a subscribed session on the
// message bus.
package pairing

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sofya/companion-bridge/internal/bus"
	"github.com/sofya/companion-bridge/internal/observability"
	"github.com/sofya/companion-bridge/internal/topic"
)

// Presence markers published on the session topic.
const (
	MarkerConnected    = "app_connected"
	MarkerDisconnected = "app_disconnected"
)

// Borrower lends out the shared bus connection. *bus.Manager implements it.
type Borrower interface {
	Acquire() *bus.Connection
	Release(conn *bus.Connection)
}

// Coordinator pairs codes with sessions. It is safe for concurrent use; each
// Pair call waits on its own observers.
type Coordinator struct {
	buses    Borrower
	resolver topic.Resolver
	logger   zerolog.Logger

	// OnMessage, if set, receives what other clients publish on a session
	// topic. It runs on the bus client's goroutine.
	OnMessage func(topic string, payload []byte)
}

// NewCoordinator creates a coordinator borrowing connections from buses.
func NewCoordinator(buses Borrower, resolver topic.Resolver, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		buses:    buses,
		resolver: resolver,
		logger:   logger,
	}
}

// Pair subscribes to the topic derived from code and announces presence on
// it. An empty code fails with ErrInvalidCode before any bus operation. If
// the connection fails, or ctx ends, before the subscription is attempted
// the error is ErrConnection. A refused subscription is ErrInvalidCode. The
// borrowed connection is released on every failure.
func (c *Coordinator) Pair(ctx context.Context, code string) (*Session, error) {
	code = strings.TrimSpace(code)
	sessionTopic := c.resolver.Resolve(code)
	if sessionTopic == topic.None {
		return nil, c.fail(code, &Error{Kind: ErrInvalidCode, Code: code, Err: errEmptyCode})
	}

	id := observability.NewCorrelationID()
	logger := observability.WithCorrelationID(c.logger, id).With().
		Str("topic", sessionTopic).
		Logger()

	conn := c.buses.Acquire()
	logger.Debug().Str("state", conn.State().String()).Msg("Pairing")

	if err := awaitConnected(ctx, conn); err != nil {
		c.buses.Release(conn)
		return nil, c.fail(code, &Error{Kind: ErrConnection, Code: code, Err: err})
	}

	if err := conn.Subscribe(sessionTopic, c.handler(logger)); err != nil {
		c.buses.Release(conn)
		kind := ErrInvalidCode
		if errors.Is(err, bus.ErrNotConnected) {
			kind = ErrConnection
		}
		return nil, c.fail(code, &Error{Kind: kind, Code: code, Err: err})
	}

	if err := conn.Publish(sessionTopic, MarkerConnected); err != nil {
		logger.Warn().Err(err).Msg("Failed to announce presence")
	}

	observability.RecordPairing(resultLabel(nil))
	logger.Info().Msg("Paired")
	release := func() { c.buses.Release(conn) }
	return newSession(id, code, sessionTopic, conn, release, logger), nil
}

func (c *Coordinator) fail(code string, err *Error) error {
	observability.RecordPairing(resultLabel(err))
	c.logger.Warn().Err(err.Err).Str("code", code).Str("kind", err.Kind.Error()).Msg("Pairing failed")
	return err
}

func (c *Coordinator) handler(logger zerolog.Logger) bus.Handler {
	onMessage := c.OnMessage
	return func(topic string, payload []byte) {
		logger.Debug().Str("payload", string(payload)).Msg("Session topic message")
		if onMessage != nil {
			onMessage(topic, payload)
		}
	}
}

// awaitConnected blocks until conn's handshake resolves or ctx ends. The
// observers belong to this call only.
func awaitConnected(ctx context.Context, conn *bus.Connection) error {
	result := make(chan error, 1)
	cancel := conn.Await(
		func() { result <- nil },
		func(err error) { result <- err },
	)
	defer cancel()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
