package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultBufferSize is the number of recent events kept for /events.
const DefaultBufferSize = 50

// Message outcomes recorded by the control pipeline.
const (
	OutcomeAccepted  = "accepted"
	OutcomeStale     = "stale"
	OutcomeIgnored   = "ignored"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
)

// Event is a session event kept in the event buffer.
type Event struct {
	ID   int64                  `json:"id"`
	Type string                 `json:"type"`
	Time time.Time              `json:"ts"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Hub collects metrics and buffers session events. All methods are safe on a
// nil *Hub, which records nothing.
type Hub struct {
	mu     sync.Mutex
	state  string
	nextID int64

	buffer   *EventBuffer
	registry *prometheus.Registry

	sessionState *prometheus.GaugeVec
	connects     *prometheus.CounterVec
	disconnects  prometheus.Counter
	refreshes    prometheus.Counter
	backoffDelay prometheus.Gauge
	messages     *prometheus.CounterVec
	pulses       *prometheus.GaugeVec
}

// EventBuffer maintains a bounded buffer of recent events.
type EventBuffer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewHub creates a hub with its own Prometheus registry.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	h := &Hub{
		buffer:   NewEventBuffer(bufferSize),
		registry: prometheus.NewRegistry(),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mqttservo_session_state",
			Help: "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqttservo_connect_attempts_total",
			Help: "Broker connect attempts by result.",
		}, []string{"result"}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqttservo_disconnects_total",
			Help: "Connections lost unexpectedly.",
		}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqttservo_credential_refreshes_total",
			Help: "Scheduled credential rotations.",
		}),
		backoffDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqttservo_backoff_delay_seconds",
			Help: "Delay before the pending reconnect attempt.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqttservo_control_messages_total",
			Help: "Control messages by outcome.",
		}, []string{"outcome"}),
		pulses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mqttservo_pulse_width",
			Help: "Last pulse width written per channel.",
		}, []string{"channel"}),
	}

	h.registry.MustRegister(
		h.sessionState,
		h.connects,
		h.disconnects,
		h.refreshes,
		h.backoffDelay,
		h.messages,
		h.pulses,
		prometheus.NewGoCollector(),
	)

	return h
}

// Registry returns the hub's Prometheus registry.
func (h *Hub) Registry() *prometheus.Registry {
	return h.registry
}

// Publish assigns the next event ID and buffers the event.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	event.ID = atomic.AddInt64(&h.nextID, 1)
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	h.buffer.AddEvent(event)
}

// Events returns buffered events with an ID greater than after.
func (h *Hub) Events(after int64) []Event {
	if h == nil {
		return nil
	}
	return h.buffer.GetEventsAfter(after)
}

// RecordState marks state as the current session state.
func (h *Hub) RecordState(state string, data map[string]interface{}) {
	if h == nil {
		return
	}

	h.mu.Lock()
	prev := h.state
	h.state = state
	h.mu.Unlock()

	if prev == state {
		return
	}
	if prev != "" {
		h.sessionState.WithLabelValues(prev).Set(0)
	}
	h.sessionState.WithLabelValues(state).Set(1)

	if data == nil {
		data = map[string]interface{}{}
	}
	data["from"] = prev
	data["to"] = state
	h.Publish(Event{Type: "state", Data: data})
}

// State returns the last recorded session state.
func (h *Hub) State() string {
	if h == nil {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// RecordConnect counts a connect attempt.
func (h *Hub) RecordConnect(sessionID string, err error) {
	if h == nil {
		return
	}
	if err != nil {
		h.connects.WithLabelValues("failure").Inc()
		h.Publish(Event{Type: "connectFailed", Data: map[string]interface{}{"error": err.Error()}})
		return
	}
	h.connects.WithLabelValues("success").Inc()
	h.backoffDelay.Set(0)
	h.Publish(Event{Type: "connected", Data: map[string]interface{}{"sessionId": sessionID}})
}

// RecordDisconnect counts an unexpected connection loss.
func (h *Hub) RecordDisconnect(sessionID string, reason error) {
	if h == nil {
		return
	}
	h.disconnects.Inc()
	data := map[string]interface{}{"sessionId": sessionID}
	if reason != nil {
		data["reason"] = reason.Error()
	}
	h.Publish(Event{Type: "disconnected", Data: data})
}

// RecordRefresh counts a scheduled credential rotation.
func (h *Hub) RecordRefresh(age time.Duration) {
	if h == nil {
		return
	}
	h.refreshes.Inc()
	h.Publish(Event{Type: "credentialRefresh", Data: map[string]interface{}{"ageSeconds": age.Seconds()}})
}

// RecordBackoff records the delay before the next reconnect attempt.
func (h *Hub) RecordBackoff(attempt int, delay time.Duration) {
	if h == nil {
		return
	}
	h.backoffDelay.Set(delay.Seconds())
	h.Publish(Event{Type: "backoff", Data: map[string]interface{}{
		"attempt":      attempt,
		"delaySeconds": delay.Seconds(),
	}})
}

// RecordMessage counts a control message outcome.
func (h *Hub) RecordMessage(outcome string) {
	if h == nil {
		return
	}
	h.messages.WithLabelValues(outcome).Inc()
}

// RecordPulse stores the last pulse written to a channel.
func (h *Hub) RecordPulse(channel string, pulse int) {
	if h == nil {
		return
	}
	h.pulses.WithLabelValues(channel).Set(float64(pulse))
}

// NewEventBuffer creates a new event buffer with the specified capacity.
func NewEventBuffer(capacity int) *EventBuffer {
	return &EventBuffer{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
	}
}

// AddEvent adds an event to the buffer, dropping the oldest when full.
func (b *EventBuffer) AddEvent(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)

	// Maintain capacity
	if len(b.events) > b.capacity {
		b.events = b.events[1:]
	}
}

// GetEventsAfter returns events after the specified ID.
func (b *EventBuffer) GetEventsAfter(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events {
		if event.ID > lastID {
			result = append(result, event)
		}
	}

	return result
}

// GetCapacity returns the buffer capacity.
func (b *EventBuffer) GetCapacity() int {
	return b.capacity
}

// GetSize returns the current buffer size.
func (b *EventBuffer) GetSize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}
