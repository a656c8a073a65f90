package bus_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sofya/companion-bridge/internal/bus"
	"github.com/sofya/companion-bridge/internal/bus/bustest"
	"github.com/sofya/companion-bridge/internal/resilience"
)

func TestAwaitFiresImmediatelyWhenConnected(t *testing.T) {
	broker := bustest.NewBroker()
	conn := newManager(broker).Acquire()

	connected := false
	conn.Await(func() { connected = true }, func(error) { t.Fatal("unexpected error") })
	require.True(t, connected)
}

func TestAwaitFiresImmediatelyWhenErrored(t *testing.T) {
	broker := bustest.NewBroker()
	broker.SetHandshake(bustest.HandshakeFail)
	conn := newManager(broker).Acquire()

	var got error
	conn.Await(func() { t.Fatal("unexpected connect") }, func(err error) { got = err })
	require.ErrorIs(t, got, bustest.ErrHandshake)
}

func TestAwaitDeferredUntilHandshake(t *testing.T) {
	broker := bustest.NewBroker()
	broker.SetHandshake(bustest.HandshakeManual)
	conn := newManager(broker).Acquire()

	calls := 0
	conn.Await(func() { calls++ }, func(error) { t.Fatal("unexpected error") })
	require.Equal(t, 0, calls)

	broker.Last().Succeed()
	require.Equal(t, 1, calls)

	// Observers are one-shot; a reconnect does not fire them again.
	broker.Last().Succeed()
	require.Equal(t, 1, calls)
}

func TestAwaitObserversAreScopedPerCall(t *testing.T) {
	broker := bustest.NewBroker()
	broker.SetHandshake(bustest.HandshakeManual)
	conn := newManager(broker).Acquire()

	var first, second int
	cancelFirst := conn.Await(func() { first++ }, func(error) {})
	conn.Await(func() { second++ }, func(error) {})
	cancelFirst()

	broker.Last().Succeed()
	require.Equal(t, 0, first)
	require.Equal(t, 1, second)
}

func TestAwaitDeferredHandshakeFailure(t *testing.T) {
	broker := bustest.NewBroker()
	broker.SetHandshake(bustest.HandshakeManual)
	conn := newManager(broker).Acquire()

	refused := errors.New("not authorized")
	var got error
	conn.Await(func() { t.Fatal("unexpected connect") }, func(err error) { got = err })

	broker.Last().Fail(refused)
	require.ErrorIs(t, got, refused)
	require.Equal(t, bus.StateErrored, conn.State())
}

func TestPendingWaitersSeeClose(t *testing.T) {
	broker := bustest.NewBroker()
	broker.SetHandshake(bustest.HandshakeManual)
	m := newManager(broker)
	conn := m.Acquire()

	var got error
	conn.Await(func() { t.Fatal("unexpected connect") }, func(err error) { got = err })
	m.Release(conn)

	require.ErrorIs(t, got, bus.ErrClosed)

	// A handshake completing after close is ignored.
	broker.Last().Succeed()
	require.Equal(t, bus.StateDisconnected, conn.State())
}

func TestOperationsRequireConnection(t *testing.T) {
	broker := bustest.NewBroker()
	broker.SetHandshake(bustest.HandshakeManual)
	conn := newManager(broker).Acquire()

	require.ErrorIs(t, conn.Publish("t", "x"), bus.ErrNotConnected)
	require.ErrorIs(t, conn.Subscribe("t", func(string, []byte) {}), bus.ErrNotConnected)
	require.ErrorIs(t, conn.Unsubscribe("t"), bus.ErrNotConnected)
	require.Empty(t, broker.Ops())
}

func TestSubscribeDeliversMessages(t *testing.T) {
	broker := bustest.NewBroker()
	conn := newManager(broker).Acquire()

	var got []string
	require.NoError(t, conn.Subscribe("a/b", func(topic string, payload []byte) {
		got = append(got, topic+"="+string(payload))
	}))
	require.True(t, broker.Deliver("a/b", "desktop_ready"))
	require.Equal(t, []string{"a/b=desktop_ready"}, got)

	require.NoError(t, conn.Unsubscribe("a/b"))
	require.False(t, broker.Subscribed("a/b"))
}

func TestSubscribeRejected(t *testing.T) {
	broker := bustest.NewBroker()
	broker.Reject("bad/topic")
	conn := newManager(broker).Acquire()

	err := conn.Subscribe("bad/topic", func(string, []byte) {})
	require.ErrorIs(t, err, bus.ErrSubscriptionRejected)
}

func TestPublishOpensBreakerAfterRepeatedFailures(t *testing.T) {
	broker := bustest.NewBroker()
	m := bus.NewManager(bus.Credentials{URL: "tcp://broker:1883"}, broker, bus.WithCircuitBreaker(2, time.Minute))
	conn := m.Acquire()

	down := errors.New("queue full")
	broker.FailPublishes(down)
	require.ErrorIs(t, conn.Publish("t", "1"), down)
	require.ErrorIs(t, conn.Publish("t", "2"), down)

	broker.FailPublishes(nil)
	require.ErrorIs(t, conn.Publish("t", "3"), resilience.ErrOpen)
	require.Empty(t, broker.PublishedOn("t"))
}

func TestReconnectingConnectionIsSharedAndRecovers(t *testing.T) {
	broker := bustest.NewBroker()
	m := newManager(broker)
	conn := m.Acquire()

	broker.Last().Reconnecting()
	require.Equal(t, bus.StateConnecting, conn.State())
	require.ErrorIs(t, conn.Publish("t", "x"), bus.ErrNotConnected)

	require.Same(t, conn, m.Acquire())
	require.Equal(t, 1, broker.Dials())

	broker.Last().Succeed()
	require.NoError(t, conn.Publish("t", "x"))
}

func TestReconnectRenewsSubscriptions(t *testing.T) {
	broker := bustest.NewBroker()
	conn := newManager(broker).Acquire()

	var got []string
	require.NoError(t, conn.Subscribe("a/b", func(_ string, payload []byte) {
		got = append(got, string(payload))
	}))
	require.NoError(t, conn.Subscribe("a/gone", func(string, []byte) {}))
	require.NoError(t, conn.Unsubscribe("a/gone"))

	broker.Last().Reconnecting()
	require.False(t, broker.Subscribed("a/b"))

	broker.Last().Succeed()
	require.True(t, broker.Subscribed("a/b"))
	require.False(t, broker.Subscribed("a/gone"))
	require.True(t, broker.Deliver("a/b", "after reconnect"))
	require.Equal(t, []string{"after reconnect"}, got)
	require.Equal(t, []string{
		"subscribe a/b",
		"subscribe a/gone",
		"unsubscribe a/gone",
		"subscribe a/b",
	}, broker.Ops())
}

func TestReconnectClosesOpenBreaker(t *testing.T) {
	broker := bustest.NewBroker()
	m := bus.NewManager(bus.Credentials{URL: "tcp://broker:1883"}, broker, bus.WithCircuitBreaker(1, time.Minute))
	conn := m.Acquire()

	broker.FailPublishes(errors.New("queue full"))
	require.Error(t, conn.Publish("t", "1"))
	broker.FailPublishes(nil)
	require.ErrorIs(t, conn.Publish("t", "2"), resilience.ErrOpen)

	broker.Last().Reconnecting()
	broker.Last().Succeed()

	require.NoError(t, conn.Publish("t", "3"))
	require.Equal(t, []string{"3"}, broker.PublishedOn("t"))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "disconnected", bus.StateDisconnected.String())
	require.Equal(t, "connecting", bus.StateConnecting.String())
	require.Equal(t, "connected", bus.StateConnected.String())
	require.Equal(t, "errored", bus.StateErrored.String())
	require.Equal(t, "state(9)", bus.State(9).String())
}
