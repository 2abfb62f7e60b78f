package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/servo-link/mqttservo/internal/auth"
)

type publication struct {
	Topic   string
	QoS     byte
	Payload string
}

type fakeConn struct {
	mu sync.Mutex

	events    chan Event
	subs      []Subscription
	published []publication
	closed    bool
	closeOnce sync.Once

	publishErr   error
	subscribeErr error
}

func newFakeConn(events ...Event) *fakeConn {
	c := &fakeConn{events: make(chan Event, 16)}
	for _, ev := range events {
		c.events <- ev
	}
	return c
}

func (c *fakeConn) Subscribe(ctx context.Context, topic string, qos byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.subs = append(c.subs, Subscription{Topic: topic, QoS: qos})
	return nil
}

func (c *fakeConn) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, publication{Topic: topic, QoS: qos, Payload: string(payload)})
	return nil
}

func (c *fakeConn) Events() <-chan Event {
	return c.events
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) publications() []publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publication(nil), c.published...)
}

func (c *fakeConn) subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Subscription(nil), c.subs...)
}

type dialResult struct {
	conn *fakeConn
	err  error
}

// fakeDialer returns scripted results in order and repeats the last one.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	params  []DialParams
}

func (d *fakeDialer) Dial(ctx context.Context, params DialParams) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = append(d.params, params)

	if len(d.results) == 0 {
		return nil, errors.New("no dial result scripted")
	}
	r := d.results[0]
	if len(d.results) > 1 {
		d.results = d.results[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.params)
}

type fakeIssuer struct {
	mu     sync.Mutex
	now    func() time.Time
	err    error
	issued int
}

func (i *fakeIssuer) Issue() (*auth.Credential, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err != nil {
		return nil, i.err
	}
	i.issued++
	now := time.Now()
	if i.now != nil {
		now = i.now()
	}
	return &auth.Credential{
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
		Token:     fmt.Sprintf("token-%d", i.issued),
	}, nil
}

func (i *fakeIssuer) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.issued
}

type fakeMessage struct {
	topic   string
	payload []byte
	acked   atomic.Bool
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }
func (m *fakeMessage) Ack()            { m.acked.Store(true) }

func messageEvent(msg *fakeMessage) Event {
	return Event{Kind: EventMessage, Message: msg}
}

// recordingSleeper records delays without sleeping.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
	onCall func(n int) error
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	n := len(s.delays)
	s.mu.Unlock()

	if s.onCall != nil {
		if err := s.onCall(n); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}
