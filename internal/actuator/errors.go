package actuator

import (
	"errors"
	"fmt"
)

// Calibration and output errors.
var (
	ErrDegenerateCalibration = errors.New("degenerate calibration")
	ErrInvalidCalibration    = errors.New("invalid calibration")
	ErrUnknownPin            = errors.New("unknown pin")
)

// OutputError wraps a driver failure with the command that caused it.
type OutputError struct {
	Channel string
	Pin     int
	Pulse   int
	Err     error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("write pulse %d to %s (pin %d): %v", e.Pulse, e.Channel, e.Pin, e.Err)
}

func (e *OutputError) Unwrap() error {
	return e.Err
}
