// Package sysfs drives servos through the Linux PWM sysfs interface
// (/sys/class/pwm/pwmchipN/pwmM).
package sysfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/servo-link/mqttservo/internal/actuator"
)

// Default PWM timing: 20ms frame, pulse widths counted in 10µs units, so a
// pulse of 150 is the 1.5ms servo centre.
const (
	DefaultChip   = "/sys/class/pwm/pwmchip0"
	DefaultUnit   = 10 * time.Microsecond
	DefaultPeriod = 20 * time.Millisecond
)

// Config describes the PWM chip and the pin to PWM channel routing.
type Config struct {
	Chip   string
	Unit   time.Duration
	Period time.Duration

	// Channels maps an output pin (BCM GPIO number) to its PWM channel.
	Channels map[int]int
}

// DefaultChannels is the Raspberry Pi hardware PWM routing.
func DefaultChannels() map[int]int {
	return map[int]int{
		18: 0,
		13: 1,
	}
}

// Output implements actuator.PulseOutput on sysfs.
type Output struct {
	mu      sync.Mutex
	config  Config
	enabled map[int]bool
}

var _ actuator.PulseOutput = (*Output)(nil)

// Open checks the PWM chip exists and returns an output.
func Open(config Config) (*Output, error) {
	if config.Chip == "" {
		config.Chip = DefaultChip
	}
	if config.Unit <= 0 {
		config.Unit = DefaultUnit
	}
	if config.Period <= 0 {
		config.Period = DefaultPeriod
	}
	if len(config.Channels) == 0 {
		config.Channels = DefaultChannels()
	}

	if _, err := os.Stat(config.Chip); err != nil {
		return nil, fmt.Errorf("PWM chip %s: %w", config.Chip, err)
	}

	return &Output{
		config:  config,
		enabled: make(map[int]bool),
	}, nil
}

// Write sets the duty cycle of the PWM channel routed to pin.
func (o *Output) Write(ctx context.Context, pin int, pulse int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	channel, ok := o.config.Channels[pin]
	if !ok {
		return fmt.Errorf("%w: %d", actuator.ErrUnknownPin, pin)
	}

	duty := time.Duration(pulse) * o.config.Unit
	if duty < 0 || duty > o.config.Period {
		return fmt.Errorf("pulse %d (%v) outside PWM period %v", pulse, duty, o.config.Period)
	}

	if !o.enabled[channel] {
		if err := o.enable(channel); err != nil {
			return err
		}
		o.enabled[channel] = true
	}

	return o.writeAttr(channel, "duty_cycle", strconv.FormatInt(duty.Nanoseconds(), 10))
}

// Close disables and unexports every channel this output enabled.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var firstErr error
	for channel := range o.enabled {
		if err := o.writeAttr(channel, "enable", "0"); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := os.WriteFile(filepath.Join(o.config.Chip, "unexport"), []byte(strconv.Itoa(channel)), 0644); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unexport pwm%d: %w", channel, err)
		}
		delete(o.enabled, channel)
	}
	return firstErr
}

// enable exports the channel if needed, sets the period and turns it on.
func (o *Output) enable(channel int) error {
	dir := o.channelDir(channel)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(o.config.Chip, "export"), []byte(strconv.Itoa(channel)), 0644); err != nil {
			return fmt.Errorf("export pwm%d: %w", channel, err)
		}
	}

	if err := o.writeAttr(channel, "period", strconv.FormatInt(o.config.Period.Nanoseconds(), 10)); err != nil {
		return err
	}
	return o.writeAttr(channel, "enable", "1")
}

func (o *Output) writeAttr(channel int, attr, value string) error {
	path := filepath.Join(o.channelDir(channel), attr)
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (o *Output) channelDir(channel int) string {
	return filepath.Join(o.config.Chip, fmt.Sprintf("pwm%d", channel))
}
