package session

import (
	"context"
	"errors"
	"fmt"
)

// ErrBackoffExhausted is returned by Run when the reconnect delay exceeds
// the ceiling.
var ErrBackoffExhausted = errors.New("reconnect backoff exhausted")

// QoS levels used by the session.
const (
	QoSAtMostOnce  byte = 0
	QoSAtLeastOnce byte = 1
)

// DialParams carries the MQTT CONNECT identity.
type DialParams struct {
	ClientID string
	Username string
	Password string
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context, params DialParams) (Conn, error)
}

// Conn is one live broker connection. No events are delivered after Close.
type Conn interface {
	Subscribe(ctx context.Context, topic string, qos byte) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Events() <-chan Event
	Close() error
}

// Message is an inbound publication.
type Message interface {
	Topic() string
	Payload() []byte
	Ack()
}

// EventKind tags an Event.
type EventKind int

const (
	EventMessage EventKind = iota
	EventConnectionLost
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// Event is delivered by a Conn in the order the transport observed it.
type Event struct {
	Kind    EventKind
	Message Message
	Err     error
}

// TransportError wraps a connect, publish or subscribe failure.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Topic, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Handler processes message payloads. Errors are logged by the manager.
type Handler interface {
	HandleMessage(ctx context.Context, topic string, payload []byte) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, topic string, payload []byte) error

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	return f(ctx, topic, payload)
}
