// Package fake provides an in-memory PulseOutput for tests.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/servo-link/mqttservo/internal/actuator"
)

// Write is one recorded pulse write.
type Write struct {
	Pin   int
	Pulse int
}

// Output implements actuator.PulseOutput and records every write.
type Output struct {
	mu sync.Mutex

	writes []Write
	last   map[int]int

	// Error simulation
	simulateErrors bool
	errorPin       int
	errorType      string
}

var _ actuator.PulseOutput = (*Output)(nil)

// NewOutput creates a new fake output.
func NewOutput() *Output {
	return &Output{
		last:     make(map[int]int),
		errorPin: -1,
	}
}

// Write records the pulse or returns the simulated error.
func (f *Output) Write(ctx context.Context, pin int, pulse int) error {
	// Check for context cancellation
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.simulateErrors && (f.errorPin < 0 || f.errorPin == pin) {
		return f.getSimulatedError(pin)
	}

	f.writes = append(f.writes, Write{Pin: pin, Pulse: pulse})
	f.last[pin] = pulse
	return nil
}

// Helper methods for testing

// SetErrorSimulation makes writes fail. pin < 0 fails every pin.
func (f *Output) SetErrorSimulation(pin int, errorType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulateErrors = true
	f.errorPin = pin
	f.errorType = errorType
}

// DisableErrorSimulation disables error simulation.
func (f *Output) DisableErrorSimulation() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulateErrors = false
	f.errorPin = -1
	f.errorType = ""
}

// Writes returns a copy of every recorded write in order.
func (f *Output) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Write, len(f.writes))
	copy(out, f.writes)
	return out
}

// Last returns the last pulse written to pin.
func (f *Output) Last(pin int) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pulse, ok := f.last[pin]
	return pulse, ok
}

// getSimulatedError returns a simulated error based on the configured error type.
func (f *Output) getSimulatedError(pin int) error {
	switch f.errorType {
	case "UNKNOWN_PIN":
		return fmt.Errorf("%w: %d", actuator.ErrUnknownPin, pin)
	case "BUSY":
		return fmt.Errorf("BUSY: simulated busy error on pin %d", pin)
	default:
		return fmt.Errorf("INTERNAL: simulated error on pin %d", pin)
	}
}
