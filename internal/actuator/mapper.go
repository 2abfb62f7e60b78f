package actuator

import (
	"fmt"
	"math"
)

// Calibration relates a channel's angle range to its pulse range.
type Calibration struct {
	MinAngle float64 `yaml:"minAngle"`
	MaxAngle float64 `yaml:"maxAngle"`
	MinPulse float64 `yaml:"minPulse"`
	MaxPulse float64 `yaml:"maxPulse"`
}

// DefaultCalibration matches a standard hobby servo on a 10µs pulse unit,
// ±90° of travel.
func DefaultCalibration() Calibration {
	return Calibration{
		MinAngle: -1.57,
		MaxAngle: 1.57,
		MinPulse: 55.3,
		MaxPulse: 252,
	}
}

// Validate rejects calibrations that cannot be mapped.
func (c Calibration) Validate() error {
	if c.MaxAngle == c.MinAngle {
		return fmt.Errorf("%w: min and max angle are both %v", ErrDegenerateCalibration, c.MinAngle)
	}
	if c.MaxAngle < c.MinAngle {
		return fmt.Errorf("%w: max angle %v is below min angle %v", ErrInvalidCalibration, c.MaxAngle, c.MinAngle)
	}
	if c.MinPulse < 0 || c.MaxPulse < 0 {
		return fmt.Errorf("%w: pulse widths must be non-negative, got [%v, %v]", ErrInvalidCalibration, c.MinPulse, c.MaxPulse)
	}
	return nil
}

// Clamp limits angle to the calibrated range.
func (c Calibration) Clamp(angle float64) float64 {
	if angle < c.MinAngle {
		return c.MinAngle
	}
	if angle > c.MaxAngle {
		return c.MaxAngle
	}
	return angle
}

// Pulse returns the unrounded pulse width for angle.
func Pulse(angle float64, c Calibration) (float64, error) {
	angleDelta := c.MaxAngle - c.MinAngle
	if angleDelta == 0 {
		return 0, ErrDegenerateCalibration
	}

	clamped := c.Clamp(angle)
	return c.MinPulse + (clamped-c.MinAngle)*(c.MaxPulse-c.MinPulse)/angleDelta, nil
}

// Map returns the pulse width for angle rounded to the integer pulse unit.
func Map(angle float64, c Calibration) (int, error) {
	pw, err := Pulse(angle, c)
	if err != nil {
		return 0, err
	}
	return int(math.Round(pw)), nil
}
