package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/servo-link/mqttservo/internal/actuator"
)

// KindGoggleDirection is the only message type that drives the servos.
const KindGoggleDirection = "goggle_direction"

// Decode errors. ErrMalformed, ErrMissingMarker and ErrMissingAxis wrap
// ErrDecode.
var (
	ErrDecode        = errors.New("message decode error")
	ErrMalformed     = fmt.Errorf("%w: malformed payload", ErrDecode)
	ErrMissingMarker = fmt.Errorf("%w: missing head.last_seen", ErrDecode)
	ErrMissingAxis   = fmt.Errorf("%w: missing orientation axis", ErrDecode)

	// ErrUnsupportedKind marks a well-formed message of another type.
	ErrUnsupportedKind = errors.New("unsupported message type")
)

// Orientation holds the body angles in radians. Absent axes are nil.
type Orientation struct {
	Roll  *float64 `json:"roll"`
	Pitch *float64 `json:"pitch"`
	Yaw   *float64 `json:"yaw"`
}

// Angle returns the value of axis and whether the message carried it.
func (o Orientation) Angle(axis actuator.Axis) (float64, bool) {
	var v *float64
	switch axis {
	case actuator.AxisRoll:
		v = o.Roll
	case actuator.AxisPitch:
		v = o.Pitch
	case actuator.AxisYaw:
		v = o.Yaw
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// ControlMessage is a decoded directional-control message.
type ControlMessage struct {
	Kind        string
	Marker      int64
	Orientation Orientation
}

type wireMessage struct {
	Head struct {
		Type     string      `json:"type"`
		LastSeen json.Number `json:"last_seen"`
	} `json:"head"`
	Body Orientation `json:"body"`
}

// Decode parses a payload. A message of another type returns the decoded
// kind together with ErrUnsupportedKind.
func Decode(payload []byte) (*ControlMessage, error) {
	var wire wireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := &ControlMessage{
		Kind:        wire.Head.Type,
		Orientation: wire.Body,
	}
	if msg.Kind != KindGoggleDirection {
		return msg, fmt.Errorf("%w: %q", ErrUnsupportedKind, msg.Kind)
	}

	if wire.Head.LastSeen == "" {
		return msg, ErrMissingMarker
	}
	marker, err := parseMarker(wire.Head.LastSeen)
	if err != nil {
		return msg, err
	}
	msg.Marker = marker

	return msg, nil
}

// parseMarker accepts integral JSON numbers, including 1.7e12 style floats.
func parseMarker(n json.Number) (int64, error) {
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
		return 0, fmt.Errorf("%w: last_seen %q is not an integer", ErrMalformed, n.String())
	}
	return int64(f), nil
}
