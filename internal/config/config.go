package config

import (
	"time"

	"github.com/servo-link/mqttservo/internal/actuator"
	"github.com/servo-link/mqttservo/internal/actuator/sysfs"
	"github.com/servo-link/mqttservo/internal/audit"
	"github.com/servo-link/mqttservo/internal/auth"
	"github.com/servo-link/mqttservo/internal/broker"
	"github.com/servo-link/mqttservo/internal/session"
)

// Actuator drivers.
const (
	DriverSysfs = "sysfs"
	DriverLog   = "log"
)

// Log formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config is the complete process configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Broker    BrokerConfig    `yaml:"broker"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Actuator  ActuatorConfig  `yaml:"actuator"`
	Logging   LoggingConfig   `yaml:"logging"`
	Audit     AuditConfig     `yaml:"audit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// DeviceConfig identifies the device in the cloud registry.
type DeviceConfig struct {
	ProjectID string `yaml:"projectId"`
	Region    string `yaml:"region"`
	Registry  string `yaml:"registry"`
	DeviceID  string `yaml:"deviceId"`

	// GatewayID enables gateway mode.
	GatewayID string `yaml:"gatewayId"`
}

// BrokerConfig is the MQTT bridge endpoint.
type BrokerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	TLS              bool          `yaml:"tls"`
	CAFile           string        `yaml:"caFile"`
	KeepAlive        time.Duration `yaml:"keepAlive"`
	ConnectTimeout   time.Duration `yaml:"connectTimeout"`
	OperationTimeout time.Duration `yaml:"operationTimeout"`
}

// AuthConfig controls credential issuing.
type AuthConfig struct {
	KeyFile   string        `yaml:"keyFile"`
	Algorithm string        `yaml:"algorithm"`
	Lifetime  time.Duration `yaml:"lifetime"`
}

// SessionConfig holds session timing.
type SessionConfig struct {
	RefreshAfter   time.Duration `yaml:"refreshAfter"`
	AttachSettle   time.Duration `yaml:"attachSettle"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
	CheckInterval  time.Duration `yaml:"checkInterval"`
}

// BackoffConfig holds reconnect backoff bounds.
type BackoffConfig struct {
	Floor   time.Duration `yaml:"floor"`
	Ceiling time.Duration `yaml:"ceiling"`
	Jitter  time.Duration `yaml:"jitter"`
}

// ActuatorConfig selects the pulse output and describes the channels.
type ActuatorConfig struct {
	Driver        string          `yaml:"driver"`
	Chip          string          `yaml:"chip"`
	Unit          time.Duration   `yaml:"unit"`
	Period        time.Duration   `yaml:"period"`
	WriteTimeout  time.Duration   `yaml:"writeTimeout"`
	CenterOnStart bool            `yaml:"centerOnStart"`
	Channels      []ChannelConfig `yaml:"channels"`
}

// ChannelConfig is one servo channel.
type ChannelConfig struct {
	Name   string `yaml:"name"`
	Pin    int    `yaml:"pin"`
	Source string `yaml:"source"`
	Invert bool   `yaml:"invert"`

	// PWM is the sysfs PWM channel the pin is routed to.
	PWM int `yaml:"pwm"`

	Calibration actuator.Calibration `yaml:"calibration"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// AuditConfig controls the actuation audit trail.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// TelemetryConfig controls the metrics and events endpoint.
type TelemetryConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	BufferSize int    `yaml:"bufferSize"`
}

// Default returns the baseline configuration. Identity and key file have no
// usable default and must be configured.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Region:   "europe-west1",
			Registry: "goggle-registry",
		},
		Broker: BrokerConfig{
			Host:             "mqtt.googleapis.com",
			Port:             broker.DefaultPort,
			TLS:              true,
			CAFile:           "roots.pem",
			KeepAlive:        broker.DefaultKeepAlive,
			ConnectTimeout:   broker.DefaultConnectTimeout,
			OperationTimeout: broker.DefaultOperationTimeout,
		},
		Auth: AuthConfig{
			Algorithm: auth.AlgorithmRS256,
			Lifetime:  auth.DefaultLifetime,
		},
		Session: SessionConfig{
			RefreshAfter:   session.DefaultRefreshAfter,
			AttachSettle:   session.DefaultAttachSettle,
			PublishTimeout: session.DefaultPublishTimeout,
			CheckInterval:  session.DefaultCheckInterval,
		},
		Backoff: BackoffConfig{
			Floor:   session.DefaultBackoffFloor,
			Ceiling: session.DefaultBackoffCeiling,
			Jitter:  session.DefaultJitter,
		},
		Actuator: ActuatorConfig{
			Driver:        DriverSysfs,
			Chip:          sysfs.DefaultChip,
			Unit:          sysfs.DefaultUnit,
			Period:        sysfs.DefaultPeriod,
			WriteTimeout:  time.Second,
			CenterOnStart: true,
			Channels: []ChannelConfig{
				{Name: "tilt", Pin: 13, PWM: 1, Source: string(actuator.AxisPitch), Calibration: actuator.DefaultCalibration()},
				{Name: "pan", Pin: 18, PWM: 0, Source: string(actuator.AxisYaw), Calibration: actuator.DefaultCalibration()},
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     FormatConsole,
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Audit: AuditConfig{
			Enabled:    false,
			Dir:        "/var/log/mqttservo",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 90,
		},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			Addr:       ":9108",
			BufferSize: 50,
		},
	}
}

// IssuerConfig returns the credential issuer settings.
func (c *Config) IssuerConfig() auth.IssuerConfig {
	return auth.IssuerConfig{
		KeyFile:   c.Auth.KeyFile,
		Algorithm: c.Auth.Algorithm,
		Audience:  c.Device.ProjectID,
		Lifetime:  c.Auth.Lifetime,
	}
}

// SessionConfig returns the session manager settings.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Identity: session.Identity{
			ProjectID: c.Device.ProjectID,
			Region:    c.Device.Region,
			Registry:  c.Device.Registry,
			DeviceID:  c.Device.DeviceID,
			GatewayID: c.Device.GatewayID,
		},
		RefreshAfter:   c.Session.RefreshAfter,
		BackoffFloor:   c.Backoff.Floor,
		BackoffCeiling: c.Backoff.Ceiling,
		BackoffJitter:  c.Backoff.Jitter,
		AttachSettle:   c.Session.AttachSettle,
		PublishTimeout: c.Session.PublishTimeout,
		CheckInterval:  c.Session.CheckInterval,
	}
}

// BrokerConfig returns the MQTT dialer settings.
func (c *Config) BrokerConfig() broker.Config {
	return broker.Config{
		Host:             c.Broker.Host,
		Port:             c.Broker.Port,
		TLS:              c.Broker.TLS,
		CAFile:           c.Broker.CAFile,
		KeepAlive:        c.Broker.KeepAlive,
		ConnectTimeout:   c.Broker.ConnectTimeout,
		OperationTimeout: c.Broker.OperationTimeout,
	}
}

// Channels returns the actuator channels in configured order.
func (c *Config) Channels() []actuator.Channel {
	channels := make([]actuator.Channel, 0, len(c.Actuator.Channels))
	for _, ch := range c.Actuator.Channels {
		channels = append(channels, actuator.Channel{
			Name:        ch.Name,
			Pin:         ch.Pin,
			Source:      actuator.Axis(ch.Source),
			Invert:      ch.Invert,
			Calibration: ch.Calibration,
		})
	}
	return channels
}

// SysfsConfig returns the sysfs PWM output settings.
func (c *Config) SysfsConfig() sysfs.Config {
	routing := make(map[int]int, len(c.Actuator.Channels))
	for _, ch := range c.Actuator.Channels {
		routing[ch.Pin] = ch.PWM
	}
	return sysfs.Config{
		Chip:     c.Actuator.Chip,
		Unit:     c.Actuator.Unit,
		Period:   c.Actuator.Period,
		Channels: routing,
	}
}

// AuditConfig returns the audit logger settings.
func (c *Config) AuditConfig() audit.Config {
	return audit.Config{
		Dir:        c.Audit.Dir,
		MaxSizeMB:  c.Audit.MaxSizeMB,
		MaxBackups: c.Audit.MaxBackups,
		MaxAgeDays: c.Audit.MaxAgeDays,
	}
}
