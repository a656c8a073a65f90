package bus

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sofya/companion-bridge/internal/config"
)

// subackFailure is the SUBACK return code for a refused subscription.
const subackFailure = 0x80

// MQTTDialer builds transports backed by the Eclipse Paho client.
type MQTTDialer struct {
	ClientIDPrefix   string
	QoS              byte
	AutoReconnect    bool
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	Logger           zerolog.Logger
}

// NewMQTTDialer builds a dialer from configuration.
func NewMQTTDialer(cfg *config.Config, logger zerolog.Logger) MQTTDialer {
	return MQTTDialer{
		ClientIDPrefix:   cfg.MQTTClientIDPrefix,
		QoS:              byte(cfg.MQTTQoS),
		AutoReconnect:    cfg.MQTTAutoReconnect,
		ConnectTimeout:   cfg.ConnectTimeout(),
		OperationTimeout: cfg.OperationTimeout(),
		Logger:           logger,
	}
}

// CredentialsFromConfig returns the broker credentials in cfg.
func CredentialsFromConfig(cfg *config.Config) Credentials {
	return Credentials{
		URL:      cfg.MQTTURL,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	}
}

// Dial implements Dialer.
func (d MQTTDialer) Dial(creds Credentials) Transport {
	prefix := d.ClientIDPrefix
	if prefix == "" {
		prefix = "companion"
	}
	return &mqttTransport{
		dialer:   d,
		creds:    creds,
		clientID: fmt.Sprintf("%s-%s", prefix, uuid.New().String()),
	}
}

type mqttTransport struct {
	dialer   MQTTDialer
	creds    Credentials
	clientID string

	mu     sync.Mutex
	client mqtt.Client
}

func (t *mqttTransport) Connect(events Events) {
	d := t.dialer

	opts := mqtt.NewClientOptions().
		AddBroker(t.creds.URL).
		SetClientID(t.clientID).
		SetUsername(t.creds.Username).
		SetPassword(t.creds.Password).
		SetCleanSession(true).
		SetConnectRetry(false).
		SetAutoReconnect(d.AutoReconnect)
	if d.ConnectTimeout > 0 {
		opts.SetConnectTimeout(d.ConnectTimeout)
	}

	// Runs on its own goroutine after every (re)connect. A clean session
	// drops subscriptions, which Connection renews from OnConnected.
	opts.SetOnConnectHandler(func(mqtt.Client) {
		events.OnConnected()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if d.AutoReconnect {
			events.OnConnecting()
			return
		}
		events.OnDisconnected(err)
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		d.Logger.Debug().Str("client_id", t.clientID).Msg("MQTT reconnecting")
	})

	client := mqtt.NewClient(opts)
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	token := client.Connect()
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			events.OnError(err)
		}
	}()
}

func (t *mqttTransport) Subscribe(topic string, handler Handler) error {
	client, err := t.get()
	if err != nil {
		return err
	}

	token := client.Subscribe(topic, t.dialer.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if err := t.wait(token); err != nil {
		return err
	}

	if sub, ok := token.(*mqtt.SubscribeToken); ok {
		if code, ok := sub.Result()[topic]; ok && code == subackFailure {
			return ErrSubscriptionRejected
		}
	}
	return nil
}

func (t *mqttTransport) Unsubscribe(topic string) error {
	client, err := t.get()
	if err != nil {
		return err
	}
	return t.wait(client.Unsubscribe(topic))
}

func (t *mqttTransport) Publish(topic string, payload []byte) error {
	client, err := t.get()
	if err != nil {
		return err
	}
	return t.wait(client.Publish(topic, t.dialer.QoS, false, payload))
}

func (t *mqttTransport) Close() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client != nil {
		// Give in-flight publishes (the disconnect marker) a moment to flush.
		client.Disconnect(250)
	}
}

func (t *mqttTransport) get() (mqtt.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, ErrNotConnected
	}
	return t.client, nil
}

func (t *mqttTransport) wait(token mqtt.Token) error {
	timeout := t.dialer.OperationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	return token.Error()
}
