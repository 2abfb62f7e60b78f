package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servo-link/mqttservo/internal/auth"
	"github.com/servo-link/mqttservo/internal/telemetry"
)

var testIdentity = Identity{
	ProjectID: "goggle-project",
	Region:    "europe-west1",
	Registry:  "servos",
	DeviceID:  "goggle-01",
}

func testConfig() Config {
	return Config{
		Identity:       testIdentity,
		RefreshAfter:   20 * time.Minute,
		BackoffFloor:   time.Second,
		BackoffCeiling: 32 * time.Second,
		CheckInterval:  time.Hour,
	}
}

func nopHandler() Handler {
	return HandlerFunc(func(ctx context.Context, topic string, payload []byte) error { return nil })
}

func runManager(t *testing.T, m *Manager, ctx context.Context) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRunBackoffExhausted(t *testing.T) {
	dialer := &fakeDialer{results: []dialResult{{err: errors.New("connection refused")}}}
	sleeper := &recordingSleeper{}
	hub := telemetry.NewHub(100)

	m := NewManager(testConfig(), &fakeIssuer{}, dialer, nopHandler(),
		WithSleeper(sleeper.sleep),
		WithTelemetry(hub),
		WithLogger(zerolog.Nop()))

	err := runManager(t, m, context.Background())
	require.ErrorIs(t, err, ErrBackoffExhausted)

	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
	}, sleeper.recorded())
	assert.Equal(t, 7, dialer.dials())
	assert.Equal(t, StateTerminated, m.State())
	assert.Equal(t, StateTerminated.String(), hub.State())
}

func TestRunAuthErrorIsFatal(t *testing.T) {
	dialer := &fakeDialer{}
	issuer := &fakeIssuer{err: auth.ErrKeyRead}

	m := NewManager(testConfig(), issuer, dialer, nopHandler())

	err := runManager(t, m, context.Background())
	require.ErrorIs(t, err, auth.ErrAuth)
	assert.Equal(t, 0, dialer.dials())
	assert.Equal(t, StateTerminated, m.State())
}

func TestRunBackoffResetsAfterConnect(t *testing.T) {
	conn := newFakeConn(Event{Kind: EventConnectionLost, Err: errors.New("eof")})
	dialer := &fakeDialer{results: []dialResult{
		{err: errors.New("refused")},
		{err: errors.New("refused")},
		{conn: conn},
		{err: errors.New("refused")},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sleeper := &recordingSleeper{onCall: func(n int) error {
		if n == 3 {
			cancel()
		}
		return nil
	}}

	m := NewManager(testConfig(), &fakeIssuer{}, dialer, nopHandler(), WithSleeper(sleeper.sleep))

	require.NoError(t, runManager(t, m, ctx))
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 1 * time.Second}, sleeper.recorded())
	assert.True(t, conn.isClosed())
}

func TestRunConnectIdentity(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: conn}}}
	issuer := &fakeIssuer{}

	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(testConfig(), issuer, dialer, nopHandler())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	require.Len(t, dialer.params, 1)
	assert.Equal(t, "projects/goggle-project/locations/europe-west1/registries/servos/devices/goggle-01", dialer.params[0].ClientID)
	assert.Equal(t, "unused", dialer.params[0].Username)
	assert.Equal(t, "token-1", dialer.params[0].Password)

	assert.Equal(t, []Subscription{
		{Topic: "/devices/goggle-01/config", QoS: 1},
		{Topic: "/devices/goggle-01/commands/#", QoS: 0},
	}, conn.subscriptions())

	assert.Equal(t, []publication{{Topic: "/devices/goggle-01/detach", QoS: 1, Payload: "{}"}}, conn.publications())
	assert.True(t, conn.isClosed())
	assert.Equal(t, StateTerminated, m.State())
}

func TestRunDispatchesAndAcks(t *testing.T) {
	good := &fakeMessage{topic: "/devices/goggle-01/commands", payload: []byte(`{"n":1}`)}
	failing := &fakeMessage{topic: "/devices/goggle-01/commands", payload: []byte(`{"n":2}`)}
	panicking := &fakeMessage{topic: "/devices/goggle-01/commands", payload: []byte(`{"n":3}`)}
	empty := &fakeMessage{topic: "/devices/goggle-01/config", payload: nil}
	last := &fakeMessage{topic: "/devices/goggle-01/config", payload: []byte(`{"n":4}`)}

	conn := newFakeConn(
		messageEvent(good),
		messageEvent(failing),
		messageEvent(panicking),
		messageEvent(empty),
		messageEvent(last),
	)
	dialer := &fakeDialer{results: []dialResult{{conn: conn}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled []string
	handler := HandlerFunc(func(hctx context.Context, topic string, payload []byte) error {
		handled = append(handled, string(payload))
		switch string(payload) {
		case `{"n":2}`:
			return errors.New("decode failed")
		case `{"n":3}`:
			panic("boom")
		case `{"n":4}`:
			cancel()
			// handler context survives cancellation
			assert.NoError(t, hctx.Err())
		}
		return nil
	})

	m := NewManager(testConfig(), &fakeIssuer{}, dialer, handler)
	require.NoError(t, runManager(t, m, ctx))

	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`}, handled)
	for _, msg := range []*fakeMessage{good, failing, panicking, empty, last} {
		assert.True(t, msg.acked.Load(), msg.topic)
	}
	assert.Len(t, conn.publications(), 1)
}

func TestShutdownDetachFailureStillTerminates(t *testing.T) {
	conn := newFakeConn()
	conn.publishErr = errors.New("not connected")
	dialer := &fakeDialer{results: []dialResult{{conn: conn}}}

	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(testConfig(), &fakeIssuer{}, dialer, nopHandler())

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.True(t, conn.isClosed())
	assert.Equal(t, StateTerminated, m.State())
}

func TestSubscribeFailureTakesBackoffPath(t *testing.T) {
	broken := newFakeConn()
	broken.subscribeErr = errors.New("not authorized")
	good := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: broken}, {conn: good}}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &recordingSleeper{}

	m := NewManager(testConfig(), &fakeIssuer{}, dialer, nopHandler(), WithSleeper(sleeper.sleep))

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.True(t, broken.isClosed())
	assert.Equal(t, []time.Duration{time.Second}, sleeper.recorded())
	assert.Equal(t, 2, dialer.dials())
}

func TestRefreshDoesNotDisturbBackoff(t *testing.T) {
	old := newFakeConn()
	fresh := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: fresh}}}
	issuer := &fakeIssuer{}

	m := NewManager(testConfig(), issuer, dialer, nopHandler())

	for i := 0; i < 3; i++ {
		_, ok := m.backoff.Next()
		require.True(t, ok)
	}
	require.Equal(t, 8*time.Second, m.backoff.Current())

	issued := time.Now().Add(-21 * time.Minute)
	m.conn = old
	m.credential = &auth.Credential{IssuedAt: issued, ExpiresAt: issued.Add(time.Hour), Token: "old"}
	require.True(t, m.refreshDue())

	require.NoError(t, m.refresh(context.Background()))

	assert.Equal(t, 8*time.Second, m.backoff.Current())
	assert.Equal(t, 3, m.backoff.Attempts())
	assert.True(t, old.isClosed())
	assert.Same(t, fresh, m.conn)
	assert.Equal(t, "token-1", m.credential.Token)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, "token-1", dialer.params[0].Password)
}

func TestRefreshFailureLeavesSessionDisconnected(t *testing.T) {
	old := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{err: errors.New("refused")}}}

	m := NewManager(testConfig(), &fakeIssuer{}, dialer, nopHandler())
	_, _ = m.backoff.Next()

	issued := time.Now().Add(-time.Hour)
	m.conn = old
	m.credential = &auth.Credential{IssuedAt: issued, ExpiresAt: issued.Add(time.Hour)}

	err := m.refresh(context.Background())
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "connect", transportErr.Op)

	assert.Nil(t, m.conn)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 2*time.Second, m.backoff.Current())
}

func TestRefreshDue(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var now atomic.Int64
	now.Store(base.UnixNano())

	m := NewManager(testConfig(), &fakeIssuer{}, &fakeDialer{}, nopHandler(),
		WithClock(func() time.Time { return time.Unix(0, now.Load()) }))

	assert.False(t, m.refreshDue(), "no connection")

	m.conn = newFakeConn()
	m.credential = &auth.Credential{IssuedAt: base}

	now.Store(base.Add(20 * time.Minute).UnixNano())
	assert.False(t, m.refreshDue())

	now.Store(base.Add(20*time.Minute + time.Second).UnixNano())
	assert.True(t, m.refreshDue())
}

func TestRunRefreshesCredential(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	dialer := &fakeDialer{results: []dialResult{{conn: first}, {conn: second}}}

	base := time.Now()
	var now atomic.Int64
	now.Store(base.UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }
	issuer := &fakeIssuer{now: clock}

	cfg := testConfig()
	cfg.CheckInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(cfg, issuer, dialer, nopHandler(), WithClock(clock))

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, time.Millisecond)
	now.Store(base.Add(25 * time.Minute).UnixNano())

	require.Eventually(t, func() bool { return dialer.dials() == 2 && m.State() == StateConnected }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 2, issuer.count())
	assert.True(t, first.isClosed())
	assert.Empty(t, first.publications(), "refresh closes without detaching")
	assert.Len(t, second.publications(), 1)
}

func TestGatewayConnect(t *testing.T) {
	identity := testIdentity
	identity.GatewayID = "gateway-01"

	gatewayErr := &fakeMessage{topic: "/devices/gateway-01/errors", payload: []byte(`{"error":"x"}`)}
	conn := newFakeConn(messageEvent(gatewayErr))
	dialer := &fakeDialer{results: []dialResult{{conn: conn}}}
	sleeper := &recordingSleeper{}

	cfg := testConfig()
	cfg.Identity = identity
	cfg.AttachSettle = DefaultAttachSettle

	var handled atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, topic string, payload []byte) error {
		handled.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(cfg, &fakeIssuer{}, dialer, handler, WithSleeper(sleeper.sleep))

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return gatewayErr.acked.Load() }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(0), handled.Load())
	assert.Equal(t, "projects/goggle-project/locations/europe-west1/registries/servos/devices/gateway-01", dialer.params[0].ClientID)
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeper.recorded())

	pubs := conn.publications()
	require.Len(t, pubs, 2)
	assert.Equal(t, publication{Topic: "/devices/goggle-01/attach", QoS: 1, Payload: `{"authorization":""}`}, pubs[0])
	assert.Equal(t, "/devices/goggle-01/detach", pubs[1].Topic)

	assert.Len(t, conn.subscriptions(), 5)
	assert.Contains(t, conn.subscriptions(), Subscription{Topic: "/devices/gateway-01/errors", QoS: 0})
	assert.Contains(t, conn.subscriptions(), Subscription{Topic: "/devices/goggle-01/commands/#", QoS: 0})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "TERMINATED", StateTerminated.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestTransportError(t *testing.T) {
	cause := errors.New("timeout")
	err := error(&TransportError{Op: "subscribe", Topic: "/devices/x/config", Err: cause})

	assert.Equal(t, "subscribe /devices/x/config: timeout", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "connect: timeout", (&TransportError{Op: "connect", Err: cause}).Error())
}
