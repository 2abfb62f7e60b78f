package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/servo-link/mqttservo/internal/auth"
	"github.com/servo-link/mqttservo/internal/telemetry"
)

// State represents the session state.
type State int32

const (
	// StateDisconnected indicates no active connection.
	StateDisconnected State = iota

	// StateConnecting indicates a connection attempt is in progress.
	StateConnecting

	// StateConnected indicates an active, subscribed connection.
	StateConnected

	// StateTerminated indicates Run has returned.
	StateTerminated
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Session timing defaults.
const (
	DefaultRefreshAfter   = 20 * time.Minute
	DefaultAttachSettle   = 5 * time.Second
	DefaultPublishTimeout = 5 * time.Second
	DefaultCheckInterval  = 1 * time.Second
)

// CredentialIssuer issues the credential presented on connect.
type CredentialIssuer interface {
	Issue() (*auth.Credential, error)
}

// Config holds session settings.
type Config struct {
	Identity Identity

	// RefreshAfter is the credential age that triggers a forced reconnect.
	RefreshAfter time.Duration

	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
	BackoffJitter  time.Duration

	// AttachSettle is the wait after a gateway attach before subscribing.
	AttachSettle time.Duration

	// PublishTimeout bounds the attach and detach publications.
	PublishTimeout time.Duration

	// CheckInterval is how often credential age is checked.
	CheckInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.RefreshAfter <= 0 {
		c.RefreshAfter = DefaultRefreshAfter
	}
	if c.BackoffFloor <= 0 {
		c.BackoffFloor = DefaultBackoffFloor
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = DefaultBackoffCeiling
	}
	if c.AttachSettle < 0 {
		c.AttachSettle = 0
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger.With().Str("component", "session").Logger()
	}
}

// WithTelemetry records state and connection metrics on hub.
func WithTelemetry(hub *telemetry.Hub) Option {
	return func(m *Manager) {
		m.telemetryHub = hub
	}
}

// WithClock replaces the wall clock used for credential age.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithSleeper replaces the backoff and settle sleep.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		m.sleep = sleep
	}
}

// WithJitter replaces the random jitter source.
func WithJitter(jitter func(max time.Duration) time.Duration) Option {
	return func(m *Manager) {
		m.backoff.jitter = jitter
	}
}

// Manager runs the session loop. Apart from State, its methods must only be
// used from the goroutine calling Run.
type Manager struct {
	config  Config
	issuer  CredentialIssuer
	dialer  Dialer
	handler Handler

	backoff *Backoff

	// Owned by Run
	conn       Conn
	credential *auth.Credential
	sessionID  string

	state atomic.Int32

	telemetryHub *telemetry.Hub
	logger       zerolog.Logger
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewManager creates a session manager.
func NewManager(config Config, issuer CredentialIssuer, dialer Dialer, handler Handler, opts ...Option) *Manager {
	config.applyDefaults()

	m := &Manager{
		config:  config,
		issuer:  issuer,
		dialer:  dialer,
		handler: handler,
		backoff: NewBackoff(config.BackoffFloor, config.BackoffCeiling, config.BackoffJitter),
		logger:  zerolog.Nop(),
		now:     time.Now,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current session state. Safe for concurrent use.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// SessionID returns the id of the current connection.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// Run connects and services the session until ctx is cancelled or a fatal
// error occurs. Cancellation returns nil after a best-effort detach. Auth
// failures and ErrBackoffExhausted are returned as is.
func (m *Manager) Run(ctx context.Context) error {
	defer m.setState(StateTerminated, nil)

	m.logger.Info().
		Str("client_id", m.config.Identity.ClientID()).
		Bool("gateway", m.config.Identity.Gateway()).
		Msg("Starting session")

	if err := m.connect(ctx, true); err != nil {
		if isFatal(err) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			m.shutdown(ctx)
			return nil
		}

		if m.conn == nil {
			delay, ok := m.backoff.Next()
			if !ok {
				m.logger.Error().
					Dur("ceiling", m.config.BackoffCeiling).
					Int("attempts", m.backoff.Attempts()).
					Msg("Giving up reconnecting")
				return ErrBackoffExhausted
			}

			m.telemetryHub.RecordBackoff(m.backoff.Attempts(), delay)
			m.logger.Info().
				Int("attempt", m.backoff.Attempts()).
				Dur("delay", delay).
				Msg("Reconnecting after backoff")

			if err := m.sleep(ctx, delay); err != nil {
				return nil
			}
			if err := m.connect(ctx, true); err != nil && isFatal(err) {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
		case ev, ok := <-m.conn.Events():
			if !ok {
				ev = Event{Kind: EventConnectionLost, Err: errors.New("event stream closed")}
			}
			m.handleEvent(ctx, ev)
		case <-ticker.C:
			if m.refreshDue() {
				if err := m.refresh(ctx); err != nil && isFatal(err) {
					return err
				}
			}
		}
	}
}

// connect issues a credential, dials, attaches in gateway mode and
// subscribes. The backoff is reset on success only when resetBackoff is set.
func (m *Manager) connect(ctx context.Context, resetBackoff bool) error {
	m.setState(StateConnecting, nil)

	cred, err := m.issuer.Issue()
	if err != nil {
		m.setState(StateDisconnected, nil)
		m.logger.Error().Err(err).Msg("Failed to issue credential")
		return err
	}

	identity := m.config.Identity
	conn, err := m.dialer.Dial(ctx, DialParams{
		ClientID: identity.ClientID(),
		Username: Username,
		Password: cred.Token,
	})
	if err != nil {
		return m.connectFailed(nil, &TransportError{Op: "connect", Err: err})
	}

	if identity.Gateway() {
		if err := m.attach(ctx, conn); err != nil {
			return m.connectFailed(conn, err)
		}
	}

	for _, sub := range identity.Subscriptions() {
		if err := conn.Subscribe(ctx, sub.Topic, sub.QoS); err != nil {
			return m.connectFailed(conn, &TransportError{Op: "subscribe", Topic: sub.Topic, Err: err})
		}
		m.logger.Debug().Str("topic", sub.Topic).Uint8("qos", sub.QoS).Msg("Subscribed")
	}

	m.conn = conn
	m.credential = cred
	m.sessionID = uuid.NewString()
	if resetBackoff {
		m.backoff.Reset()
	}

	m.telemetryHub.RecordConnect(m.sessionID, nil)
	m.setState(StateConnected, map[string]interface{}{"sessionId": m.sessionID})
	m.logger.Info().
		Str("session_id", m.sessionID).
		Time("credential_expires", cred.ExpiresAt).
		Msg("Connected")
	return nil
}

func (m *Manager) connectFailed(conn Conn, err error) error {
	if conn != nil {
		_ = conn.Close()
	}
	m.telemetryHub.RecordConnect("", err)
	m.setState(StateDisconnected, nil)
	m.logger.Warn().Err(err).Msg("Connect failed")
	return err
}

type attachPayload struct {
	Authorization string `json:"authorization"`
}

// attach announces the bound device through the gateway and waits for the
// bridge to settle.
func (m *Manager) attach(ctx context.Context, conn Conn) error {
	topic := m.config.Identity.AttachTopic()
	payload, err := json.Marshal(attachPayload{})
	if err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, m.config.PublishTimeout)
	defer cancel()
	if err := conn.Publish(pubCtx, topic, QoSAtLeastOnce, payload); err != nil {
		return &TransportError{Op: "attach", Topic: topic, Err: err}
	}

	m.logger.Info().Str("device", m.config.Identity.DeviceID).Msg("Attached device, waiting to settle")
	if err := m.sleep(ctx, m.config.AttachSettle); err != nil {
		return err
	}
	return nil
}

// refreshDue reports whether the credential is older than RefreshAfter.
func (m *Manager) refreshDue() bool {
	if m.conn == nil || m.credential == nil {
		return false
	}
	return m.credential.Age(m.now()) > m.config.RefreshAfter
}

// refresh rotates the credential with a forced reconnect. The backoff state
// is not touched; a failed reconnect leaves the session disconnected so the
// loop takes the backoff path.
func (m *Manager) refresh(ctx context.Context) error {
	age := m.credential.Age(m.now())
	m.logger.Info().Dur("age", age).Msg("Refreshing credential")
	m.telemetryHub.RecordRefresh(age)

	m.closeConn()
	return m.connect(ctx, false)
}

func (m *Manager) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventConnectionLost:
		m.logger.Warn().Err(ev.Err).Str("session_id", m.sessionID).Msg("Connection lost")
		m.telemetryHub.RecordDisconnect(m.sessionID, ev.Err)
		m.closeConn()
		m.setState(StateDisconnected, nil)
	case EventMessage:
		if ev.Message != nil {
			m.dispatch(ctx, ev.Message)
		}
	default:
		m.logger.Warn().Stringer("kind", ev.Kind).Msg("Unknown transport event")
	}
}

// dispatch hands a message to the handler. The message is acked whatever
// the handler does, and the handler runs to completion even if ctx is
// cancelled meanwhile.
func (m *Manager) dispatch(ctx context.Context, msg Message) {
	defer msg.Ack()

	topic := msg.Topic()
	payload := msg.Payload()

	if m.config.Identity.Gateway() && topic == m.config.Identity.ErrorsTopic() {
		m.logger.Warn().Str("topic", topic).Str("payload", string(payload)).Msg("Gateway error")
		return
	}
	if len(payload) == 0 {
		m.logger.Debug().Str("topic", topic).Msg("Empty message")
		return
	}

	if err := m.safeHandle(context.WithoutCancel(ctx), topic, payload); err != nil {
		m.logger.Warn().
			Err(err).
			Str("topic", topic).
			Int("payload_len", len(payload)).
			Msg("Message handling failed")
	}
}

func (m *Manager) safeHandle(ctx context.Context, topic string, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return m.handler.HandleMessage(ctx, topic, payload)
}

// shutdown publishes the detach notification and releases the connection.
// A failed detach is logged only.
func (m *Manager) shutdown(ctx context.Context) {
	if m.conn == nil {
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.PublishTimeout)
	defer cancel()

	topic := m.config.Identity.DetachTopic()
	if err := m.conn.Publish(pubCtx, topic, QoSAtLeastOnce, []byte("{}")); err != nil {
		m.logger.Warn().Err(err).Str("topic", topic).Msg("Detach failed")
	} else {
		m.logger.Info().Str("topic", topic).Msg("Detached")
	}

	m.closeConn()
}

func (m *Manager) closeConn() {
	if m.conn == nil {
		return
	}
	if err := m.conn.Close(); err != nil {
		m.logger.Debug().Err(err).Msg("Close failed")
	}
	m.conn = nil
}

func (m *Manager) setState(state State, data map[string]interface{}) {
	prev := State(m.state.Swap(int32(state)))
	if prev == state {
		return
	}
	m.telemetryHub.RecordState(state.String(), data)
	m.logger.Debug().Stringer("from", prev).Stringer("to", state).Msg("State changed")
}

// isFatal reports whether err ends the session.
func isFatal(err error) bool {
	return errors.Is(err, auth.ErrAuth)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
