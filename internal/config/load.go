package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/servo-link/mqttservo/internal/actuator"
)

// EnvConfigFile names the config file when no path is given to Load.
const EnvConfigFile = "MQTTSERVO_CONFIG"

// Load merges Default() + the optional YAML file at path + MQTTSERVO_*
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	config := Default()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := loadFromFile(path, config); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	config.normalize()

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// loadFromFile decodes a YAML file over config. Unknown keys are rejected.
func loadFromFile(filename string, config *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// normalize fills per-channel gaps left by a partial file.
func (c *Config) normalize() {
	for i := range c.Actuator.Channels {
		ch := &c.Actuator.Channels[i]
		if ch.Calibration == (actuator.Calibration{}) {
			ch.Calibration = actuator.DefaultCalibration()
		}
	}
}

type envOverride struct {
	name  string
	apply func(config *Config, val string) error
}

var envOverrides = []envOverride{
	{"MQTTSERVO_PROJECT_ID", setString(func(c *Config) *string { return &c.Device.ProjectID })},
	{"MQTTSERVO_REGION", setString(func(c *Config) *string { return &c.Device.Region })},
	{"MQTTSERVO_REGISTRY_ID", setString(func(c *Config) *string { return &c.Device.Registry })},
	{"MQTTSERVO_DEVICE_ID", setString(func(c *Config) *string { return &c.Device.DeviceID })},
	{"MQTTSERVO_GATEWAY_ID", setString(func(c *Config) *string { return &c.Device.GatewayID })},

	{"MQTTSERVO_BROKER_HOST", setString(func(c *Config) *string { return &c.Broker.Host })},
	{"MQTTSERVO_BROKER_PORT", setInt(func(c *Config) *int { return &c.Broker.Port })},
	{"MQTTSERVO_BROKER_TLS", setBool(func(c *Config) *bool { return &c.Broker.TLS })},
	{"MQTTSERVO_CA_FILE", setString(func(c *Config) *string { return &c.Broker.CAFile })},

	{"MQTTSERVO_KEY_FILE", setString(func(c *Config) *string { return &c.Auth.KeyFile })},
	{"MQTTSERVO_ALGORITHM", setString(func(c *Config) *string { return &c.Auth.Algorithm })},
	{"MQTTSERVO_TOKEN_LIFETIME", setDuration(func(c *Config) *time.Duration { return &c.Auth.Lifetime })},
	{"MQTTSERVO_REFRESH_AFTER", setDuration(func(c *Config) *time.Duration { return &c.Session.RefreshAfter })},

	{"MQTTSERVO_BACKOFF_FLOOR", setDuration(func(c *Config) *time.Duration { return &c.Backoff.Floor })},
	{"MQTTSERVO_BACKOFF_CEILING", setDuration(func(c *Config) *time.Duration { return &c.Backoff.Ceiling })},
	{"MQTTSERVO_BACKOFF_JITTER", setDuration(func(c *Config) *time.Duration { return &c.Backoff.Jitter })},

	{"MQTTSERVO_ACTUATOR_DRIVER", setString(func(c *Config) *string { return &c.Actuator.Driver })},
	{"MQTTSERVO_PWM_CHIP", setString(func(c *Config) *string { return &c.Actuator.Chip })},

	{"MQTTSERVO_LOG_LEVEL", setString(func(c *Config) *string { return &c.Logging.Level })},
	{"MQTTSERVO_LOG_FORMAT", setString(func(c *Config) *string { return &c.Logging.Format })},
	{"MQTTSERVO_LOG_FILE", setString(func(c *Config) *string { return &c.Logging.File })},

	{"MQTTSERVO_AUDIT_ENABLED", setBool(func(c *Config) *bool { return &c.Audit.Enabled })},
	{"MQTTSERVO_AUDIT_DIR", setString(func(c *Config) *string { return &c.Audit.Dir })},

	{"MQTTSERVO_TELEMETRY_ENABLED", setBool(func(c *Config) *bool { return &c.Telemetry.Enabled })},
	{"MQTTSERVO_TELEMETRY_ADDR", setString(func(c *Config) *string { return &c.Telemetry.Addr })},
}

// applyEnvOverrides applies MQTTSERVO_* environment variables to the config.
func applyEnvOverrides(config *Config) error {
	for _, o := range envOverrides {
		val, ok := os.LookupEnv(o.name)
		if !ok || val == "" {
			continue
		}
		if err := o.apply(config, val); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, o.name, err)
		}
	}
	return nil
}

func setString(field func(*Config) *string) func(*Config, string) error {
	return func(c *Config, val string) error {
		*field(c) = val
		return nil
	}
}

func setInt(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func setBool(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func setDuration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}
