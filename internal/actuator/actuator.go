package actuator

import (
	"context"
	"fmt"
)

// PulseOutput is the southbound driver contract. Pulse widths are expressed
// in the driver's integer pulse unit.
type PulseOutput interface {
	// Write drives the servo on pin to the given pulse width.
	Write(ctx context.Context, pin int, pulse int) error
}

// Axis names an orientation component of a control message.
type Axis string

const (
	AxisRoll  Axis = "roll"
	AxisPitch Axis = "pitch"
	AxisYaw   Axis = "yaw"
)

// Valid reports whether a is a known axis.
func (a Axis) Valid() bool {
	switch a {
	case AxisRoll, AxisPitch, AxisYaw:
		return true
	default:
		return false
	}
}

// Channel is one servo driven by one orientation axis.
type Channel struct {
	// Name identifies the channel in logs and metrics ("tilt", "pan").
	Name string

	// Pin is the output pin handed to PulseOutput.
	Pin int

	// Source is the axis that drives this channel.
	Source Axis

	// Invert negates the angle before mapping.
	Invert bool

	Calibration Calibration
}

// Command is a pulse width destined for a pin.
type Command struct {
	Pin   int
	Pulse int
}

// Validate checks the channel definition.
func (c Channel) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("channel name cannot be empty")
	}
	if c.Pin < 0 {
		return fmt.Errorf("channel %s: pin must be non-negative, got %d", c.Name, c.Pin)
	}
	if !c.Source.Valid() {
		return fmt.Errorf("channel %s: unknown source axis %q", c.Name, c.Source)
	}
	if err := c.Calibration.Validate(); err != nil {
		return fmt.Errorf("channel %s: %w", c.Name, err)
	}
	return nil
}

// Command maps an angle (radians) to the pulse command for this channel.
func (c Channel) Command(angle float64) (Command, error) {
	if c.Invert {
		angle = -angle
	}
	pulse, err := Map(angle, c.Calibration)
	if err != nil {
		return Command{}, fmt.Errorf("channel %s: %w", c.Name, err)
	}
	return Command{Pin: c.Pin, Pulse: pulse}, nil
}

// Center returns the command that puts the servo at the middle of its range.
func (c Channel) Center() (Command, error) {
	mid := (c.Calibration.MinAngle + c.Calibration.MaxAngle) / 2
	pulse, err := Map(mid, c.Calibration)
	if err != nil {
		return Command{}, fmt.Errorf("channel %s: %w", c.Name, err)
	}
	return Command{Pin: c.Pin, Pulse: pulse}, nil
}
