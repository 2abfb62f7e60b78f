package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/servo-link/mqttservo/internal/session"
)

// Broker defaults.
const (
	DefaultPort             = 8883
	DefaultKeepAlive        = 60 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultOperationTimeout = 5 * time.Second
	DefaultEventBuffer      = 64
	disconnectQuiesceMillis = 250
)

// ErrTimeout is returned when the broker does not complete an operation in
// time.
var ErrTimeout = errors.New("mqtt operation timed out")

// Config holds broker connection settings.
type Config struct {
	Host string
	Port int

	// TLS enables ssl://. CAFile optionally pins the CA bundle.
	TLS    bool
	CAFile string

	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration

	// EventBuffer is the capacity of each connection's event channel.
	EventBuffer int
}

// URL returns the broker URL handed to paho.
func (c Config) URL() string {
	scheme := "tcp"
	if c.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// client is the subset of mqtt.Client the dialer uses.
type client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// Dialer opens paho connections. It implements session.Dialer.
type Dialer struct {
	config    Config
	tlsConfig *tls.Config
	logger    zerolog.Logger
	newClient func(opts *mqtt.ClientOptions) client
}

var _ session.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer, loading the CA bundle when TLS is enabled.
func NewDialer(config Config, logger zerolog.Logger) (*Dialer, error) {
	if config.Host == "" {
		return nil, errors.New("broker host cannot be empty")
	}
	if config.Port <= 0 {
		config.Port = DefaultPort
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = DefaultKeepAlive
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = DefaultOperationTimeout
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultEventBuffer
	}

	d := &Dialer{
		config: config,
		logger: logger.With().Str("component", "broker").Logger(),
		newClient: func(opts *mqtt.ClientOptions) client {
			return mqtt.NewClient(opts)
		},
	}

	if config.TLS {
		tlsConfig, err := LoadTLSConfig(config.CAFile)
		if err != nil {
			return nil, err
		}
		d.tlsConfig = tlsConfig
	}

	return d, nil
}

// Dial connects with the given identity and returns once CONNACK arrives.
func (d *Dialer) Dial(ctx context.Context, params session.DialParams) (session.Conn, error) {
	c := &conn{
		events:  make(chan session.Event, d.config.EventBuffer),
		done:    make(chan struct{}),
		timeout: d.config.OperationTimeout,
		logger:  d.logger,
	}

	c.client = d.newClient(d.clientOptions(params, c))

	d.logger.Debug().Str("broker", d.config.URL()).Str("client_id", params.ClientID).Msg("Connecting")
	if err := waitToken(ctx, c.client.Connect(), d.config.ConnectTimeout); err != nil {
		c.client.Disconnect(0)
		c.closeOnce.Do(func() { close(c.done) })
		return nil, err
	}

	return c, nil
}

func (d *Dialer) clientOptions(params session.DialParams, c *conn) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(d.config.URL()).
		SetClientID(params.ClientID).
		SetUsername(params.Username).
		SetPassword(params.Password).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetKeepAlive(d.config.KeepAlive).
		SetConnectTimeout(d.config.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetAutoAckDisabled(true).
		SetDefaultPublishHandler(c.onMessage).
		SetConnectionLostHandler(c.onConnectionLost)

	if d.tlsConfig != nil {
		opts.SetTLSConfig(d.tlsConfig)
	}
	return opts
}

// conn implements session.Conn over one paho client.
type conn struct {
	client    client
	events    chan session.Event
	done      chan struct{}
	closeOnce sync.Once
	timeout   time.Duration
	logger    zerolog.Logger
}

func (c *conn) Subscribe(ctx context.Context, topic string, qos byte) error {
	return waitToken(ctx, c.client.Subscribe(topic, qos, nil), c.timeout)
}

func (c *conn) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	return waitToken(ctx, c.client.Publish(topic, qos, false, payload), c.timeout)
}

func (c *conn) Events() <-chan session.Event {
	return c.events
}

// Close disconnects and stops event delivery. Safe to call more than once.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.client.Disconnect(disconnectQuiesceMillis)
	})
	return nil
}

func (c *conn) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.emit(session.Event{Kind: session.EventMessage, Message: message{msg}})
}

func (c *conn) onConnectionLost(_ mqtt.Client, err error) {
	c.emit(session.Event{Kind: session.EventConnectionLost, Err: err})
}

// emit blocks until the session takes the event or the connection closes,
// so paho's ordered delivery applies backpressure.
func (c *conn) emit(ev session.Event) {
	select {
	case <-c.done:
		c.logger.Debug().Stringer("kind", ev.Kind).Msg("Dropping event after close")
		if ev.Message != nil {
			ev.Message.Ack()
		}
	case c.events <- ev:
	}
}

type message struct {
	msg mqtt.Message
}

func (m message) Topic() string   { return m.msg.Topic() }
func (m message) Payload() []byte { return m.msg.Payload() }
func (m message) Ack()            { m.msg.Ack() }

// waitToken waits for tok, ctx or the timeout, whichever comes first.
func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	}
}
