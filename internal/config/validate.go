package config

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/servo-link/mqttservo/internal/auth"
)

// ErrInvalidConfig wraps every configuration error.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate enforces the configuration rules.
func Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
	}

	checks := []struct {
		section string
		check   func(*Config) error
	}{
		{"device", validateDevice},
		{"broker", validateBroker},
		{"auth", validateAuth},
		{"backoff", validateBackoff},
		{"actuator", validateActuator},
		{"logging", validateLogging},
		{"audit", validateAudit},
		{"telemetry", validateTelemetry},
	}

	for _, c := range checks {
		if err := c.check(config); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, c.section, err)
		}
	}

	return nil
}

// validateDevice requires every identity component.
func validateDevice(config *Config) error {
	d := config.Device
	required := []struct {
		name  string
		value string
	}{
		{"projectId", d.ProjectID},
		{"region", d.Region},
		{"registry", d.Registry},
		{"deviceId", d.DeviceID},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s cannot be empty", r.name)
		}
	}
	if d.GatewayID != "" && d.GatewayID == d.DeviceID {
		return fmt.Errorf("gatewayId must differ from deviceId")
	}
	return nil
}

func validateBroker(config *Config) error {
	b := config.Broker
	if b.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if b.Port <= 0 || b.Port > 65535 {
		return fmt.Errorf("port must be in 1-65535, got %d", b.Port)
	}
	if b.ConnectTimeout <= 0 || b.OperationTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// validateAuth checks the key, the algorithm and that the credential is
// refreshed before it expires.
func validateAuth(config *Config) error {
	a := config.Auth
	if a.KeyFile == "" {
		return fmt.Errorf("keyFile cannot be empty")
	}
	if a.Algorithm != auth.AlgorithmRS256 && a.Algorithm != auth.AlgorithmES256 {
		return fmt.Errorf("%w: %q", auth.ErrUnsupportedAlgorithm, a.Algorithm)
	}
	if a.Lifetime <= 0 {
		return fmt.Errorf("lifetime must be positive, got %v", a.Lifetime)
	}

	refresh := config.Session.RefreshAfter
	if refresh <= 0 {
		return fmt.Errorf("session refreshAfter must be positive, got %v", refresh)
	}
	if refresh >= a.Lifetime {
		return fmt.Errorf("session refreshAfter %v must be below lifetime %v", refresh, a.Lifetime)
	}
	return nil
}

func validateBackoff(config *Config) error {
	b := config.Backoff
	if b.Floor <= 0 {
		return fmt.Errorf("floor must be positive, got %v", b.Floor)
	}
	if b.Ceiling < b.Floor {
		return fmt.Errorf("ceiling %v must be >= floor %v", b.Ceiling, b.Floor)
	}
	if b.Jitter < 0 {
		return fmt.Errorf("jitter must be non-negative, got %v", b.Jitter)
	}
	return nil
}

// validateActuator checks the driver and every channel. Channel names and
// pins must be unique, and on sysfs so must PWM channels.
func validateActuator(config *Config) error {
	a := config.Actuator
	if a.Driver != DriverSysfs && a.Driver != DriverLog {
		return fmt.Errorf("driver must be %q or %q, got %q", DriverSysfs, DriverLog, a.Driver)
	}
	if len(a.Channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}
	if a.Driver == DriverSysfs && a.Period > 0 && a.Unit > 0 && a.Unit >= a.Period {
		return fmt.Errorf("pulse unit %v must be below period %v", a.Unit, a.Period)
	}

	names := make(map[string]bool)
	pins := make(map[int]bool)
	pwms := make(map[int]bool)
	for i, ch := range config.Channels() {
		if err := ch.Validate(); err != nil {
			return err
		}
		if names[ch.Name] {
			return fmt.Errorf("duplicate channel name %q", ch.Name)
		}
		if pins[ch.Pin] {
			return fmt.Errorf("duplicate channel pin %d", ch.Pin)
		}
		names[ch.Name] = true
		pins[ch.Pin] = true

		if a.Driver == DriverSysfs {
			pwm := a.Channels[i].PWM
			if pwm < 0 {
				return fmt.Errorf("channel %s: pwm must be non-negative, got %d", ch.Name, pwm)
			}
			if pwms[pwm] {
				return fmt.Errorf("duplicate pwm channel %d", pwm)
			}
			pwms[pwm] = true
		}
	}
	return nil
}

func validateLogging(config *Config) error {
	l := config.Logging
	if _, err := zerolog.ParseLevel(l.Level); err != nil {
		return err
	}
	if l.Format != FormatConsole && l.Format != FormatJSON {
		return fmt.Errorf("format must be %q or %q, got %q", FormatConsole, FormatJSON, l.Format)
	}
	return nil
}

func validateAudit(config *Config) error {
	if config.Audit.Enabled && config.Audit.Dir == "" {
		return fmt.Errorf("dir cannot be empty when enabled")
	}
	return nil
}

func validateTelemetry(config *Config) error {
	t := config.Telemetry
	if t.Enabled && t.Addr == "" {
		return fmt.Errorf("addr cannot be empty when enabled")
	}
	if t.BufferSize < 0 {
		return fmt.Errorf("bufferSize must be non-negative, got %d", t.BufferSize)
	}
	return nil
}
