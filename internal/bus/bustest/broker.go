// Package bustest provides an in-memory broker for tests of bus consumers.
package bustest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sofya/companion-bridge/internal/bus"
)

// HandshakeMode controls how dialed transports complete their handshake.
type HandshakeMode int

const (
	// HandshakeSucceed connects synchronously inside Connect.
	HandshakeSucceed HandshakeMode = iota
	// HandshakeFail fails synchronously inside Connect.
	HandshakeFail
	// HandshakeManual leaves the transport connecting until the test calls
	// Succeed or Fail on it.
	HandshakeManual
)

// ErrHandshake is the error reported by HandshakeFail.
var ErrHandshake = errors.New("bustest: handshake refused")

// Publication is one recorded publish.
type Publication struct {
	Topic   string
	Payload string
}

// Broker records every operation performed through its transports.
type Broker struct {
	mu         sync.Mutex
	mode       HandshakeMode
	rejected   map[string]bool
	publishErr error
	unsubErr   error
	transports []*Transport
	subs       map[string]bus.Handler
	published  []Publication
	ops        []string
	closes     int
}

// NewBroker returns a broker whose handshakes succeed immediately.
func NewBroker() *Broker {
	return &Broker{
		rejected: make(map[string]bool),
		subs:     make(map[string]bus.Handler),
	}
}

// SetHandshake changes the handshake mode for transports dialed afterwards.
func (b *Broker) SetHandshake(mode HandshakeMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = mode
}

// Reject makes subscriptions to topic fail.
func (b *Broker) Reject(topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejected[topic] = true
}

// FailPublishes makes every publish return err (nil restores success).
func (b *Broker) FailPublishes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// FailUnsubscribes makes every unsubscribe return err.
func (b *Broker) FailUnsubscribes(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubErr = err
}

// Dial implements bus.Dialer.
func (b *Broker) Dial(creds bus.Credentials) bus.Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &Transport{broker: b, creds: creds}
	b.transports = append(b.transports, t)
	return t
}

// Dials returns how many transports were dialed.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.transports)
}

// Closes returns how many transports were closed.
func (b *Broker) Closes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closes
}

// Last returns the most recently dialed transport.
func (b *Broker) Last() *Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.transports) == 0 {
		return nil
	}
	return b.transports[len(b.transports)-1]
}

// Published returns every publication in order.
func (b *Broker) Published() []Publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Publication, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedOn returns the payloads published on topic, in order.
func (b *Broker) PublishedOn(topic string) []string {
	var out []string
	for _, p := range b.Published() {
		if p.Topic == topic {
			out = append(out, p.Payload)
		}
	}
	return out
}

// Subscribed reports whether topic currently has a subscription.
func (b *Broker) Subscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[topic]
	return ok
}

// Ops returns the operation log ("subscribe t", "publish t p",
// "unsubscribe t", "close").
func (b *Broker) Ops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.ops))
	copy(out, b.ops)
	return out
}

// Deliver hands payload to the subscriber of topic, as if another client
// had published it.
func (b *Broker) Deliver(topic, payload string) bool {
	b.mu.Lock()
	h, ok := b.subs[topic]
	b.mu.Unlock()
	if ok {
		h(topic, []byte(payload))
	}
	return ok
}

// Transport is a fake physical connection.
type Transport struct {
	broker *Broker
	creds  bus.Credentials

	mu     sync.Mutex
	events bus.Events
	closed bool
}

// Credentials returns what the transport was dialed with.
func (t *Transport) Credentials() bus.Credentials {
	return t.creds
}

// Connect implements bus.Transport.
func (t *Transport) Connect(events bus.Events) {
	t.mu.Lock()
	t.events = events
	t.mu.Unlock()

	t.broker.mu.Lock()
	mode := t.broker.mode
	t.broker.mu.Unlock()

	switch mode {
	case HandshakeSucceed:
		events.OnConnected()
	case HandshakeFail:
		events.OnError(ErrHandshake)
	}
}

// Succeed completes a manual handshake.
func (t *Transport) Succeed() {
	t.mu.Lock()
	ev := t.events
	t.mu.Unlock()
	ev.OnConnected()
}

// Fail fails a manual handshake with err.
func (t *Transport) Fail(err error) {
	t.mu.Lock()
	ev := t.events
	t.mu.Unlock()
	ev.OnError(err)
}

// Reconnecting simulates a dropped connection the client is recovering.
// Like a clean-session broker, it forgets every subscription.
func (t *Transport) Reconnecting() {
	t.mu.Lock()
	ev := t.events
	t.mu.Unlock()

	b := t.broker
	b.mu.Lock()
	b.subs = make(map[string]bus.Handler)
	b.mu.Unlock()

	ev.OnConnecting()
}

// Drop simulates the broker closing an established connection.
func (t *Transport) Drop(err error) {
	t.mu.Lock()
	ev := t.events
	t.mu.Unlock()
	ev.OnDisconnected(err)
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Subscribe(topic string, handler bus.Handler) error {
	if t.Closed() {
		return bus.ErrNotConnected
	}
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rejected[topic] {
		b.ops = append(b.ops, "subscribe-rejected "+topic)
		return bus.ErrSubscriptionRejected
	}
	b.subs[topic] = handler
	b.ops = append(b.ops, "subscribe "+topic)
	return nil
}

func (t *Transport) Unsubscribe(topic string) error {
	if t.Closed() {
		return bus.ErrNotConnected
	}
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, "unsubscribe "+topic)
	if b.unsubErr != nil {
		return b.unsubErr
	}
	delete(b.subs, topic)
	return nil
}

func (t *Transport) Publish(topic string, payload []byte) error {
	if t.Closed() {
		return bus.ErrNotConnected
	}
	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		b.ops = append(b.ops, fmt.Sprintf("publish-failed %s %s", topic, payload))
		return b.publishErr
	}
	b.published = append(b.published, Publication{Topic: topic, Payload: string(payload)})
	b.ops = append(b.ops, fmt.Sprintf("publish %s %s", topic, payload))
	return nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	b := t.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	b.ops = append(b.ops, "close")
}
