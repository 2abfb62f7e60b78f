package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servo-link/mqttservo/internal/actuator"
	"github.com/servo-link/mqttservo/internal/auth"
)

const minimalYAML = `
device:
  projectId: goggle-project
  deviceId: goggle-01
auth:
  keyFile: /config/rsa_private.pem
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mqttservo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaultsNeedIdentity(t *testing.T) {
	t.Setenv(EnvConfigFile, "")

	_, err := Load("")
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "projectId")
}

func TestLoadMinimalFile(t *testing.T) {
	config, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "goggle-project", config.Device.ProjectID)
	assert.Equal(t, "europe-west1", config.Device.Region)
	assert.Equal(t, "mqtt.googleapis.com", config.Broker.Host)
	assert.Equal(t, 8883, config.Broker.Port)
	assert.True(t, config.Broker.TLS)
	assert.Equal(t, auth.AlgorithmRS256, config.Auth.Algorithm)
	assert.Equal(t, 60*time.Minute, config.Auth.Lifetime)
	assert.Equal(t, 20*time.Minute, config.Session.RefreshAfter)
	assert.Equal(t, time.Second, config.Backoff.Floor)
	assert.Equal(t, 32*time.Second, config.Backoff.Ceiling)
	require.Len(t, config.Actuator.Channels, 2)
	assert.Equal(t, "tilt", config.Actuator.Channels[0].Name)
	assert.Equal(t, 13, config.Actuator.Channels[0].Pin)
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, minimalYAML+`
session:
  refreshAfter: 15m
backoff:
  floor: 500ms
  ceiling: 8s
actuator:
  driver: log
  channels:
    - name: tilt
      pin: 13
      source: roll
      invert: true
    - name: pan
      pin: 18
      source: yaw
      calibration:
        minAngle: -1.0
        maxAngle: 1.0
        minPulse: 100
        maxPulse: 200
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, config.Session.RefreshAfter)
	assert.Equal(t, 500*time.Millisecond, config.Backoff.Floor)
	assert.Equal(t, 8*time.Second, config.Backoff.Ceiling)
	assert.Equal(t, DriverLog, config.Actuator.Driver)

	channels := config.Channels()
	require.Len(t, channels, 2)
	assert.Equal(t, actuator.AxisRoll, channels[0].Source)
	assert.True(t, channels[0].Invert)
	assert.Equal(t, actuator.DefaultCalibration(), channels[0].Calibration)
	assert.Equal(t, actuator.Calibration{MinAngle: -1, MaxAngle: 1, MinPulse: 100, MaxPulse: 200}, channels[1].Calibration)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MQTTSERVO_DEVICE_ID", "goggle-02")
	t.Setenv("MQTTSERVO_BROKER_PORT", "443")
	t.Setenv("MQTTSERVO_ALGORITHM", "ES256")
	t.Setenv("MQTTSERVO_REFRESH_AFTER", "30m")
	t.Setenv("MQTTSERVO_TELEMETRY_ENABLED", "true")

	config, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "goggle-02", config.Device.DeviceID)
	assert.Equal(t, 443, config.Broker.Port)
	assert.Equal(t, auth.AlgorithmES256, config.Auth.Algorithm)
	assert.Equal(t, 30*time.Minute, config.Session.RefreshAfter)
	assert.True(t, config.Telemetry.Enabled)
}

func TestLoadConfigFileFromEnv(t *testing.T) {
	t.Setenv(EnvConfigFile, writeConfig(t, minimalYAML))

	config, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "goggle-01", config.Device.DeviceID)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{name: "unknown key", content: minimalYAML + "bogus: 1\n"},
		{name: "bad yaml", content: "device: [\n"},
		{name: "bad duration", content: minimalYAML + "backoff:\n  floor: soon\n"},
		{name: "bad env int", content: minimalYAML, env: map[string]string{"MQTTSERVO_BROKER_PORT": "https"}},
		{name: "bad env duration", content: minimalYAML, env: map[string]string{"MQTTSERVO_BACKOFF_FLOOR": "1 second"}},
		{name: "refresh after lifetime", content: minimalYAML + "session:\n  refreshAfter: 60m\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadEmptyFile(t *testing.T) {
	t.Setenv("MQTTSERVO_PROJECT_ID", "p")
	t.Setenv("MQTTSERVO_DEVICE_ID", "d")
	t.Setenv("MQTTSERVO_KEY_FILE", "k.pem")

	config, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, "p", config.Device.ProjectID)
}

func TestDerivedConfigs(t *testing.T) {
	config, err := Load(writeConfig(t, `
device:
  projectId: goggle-project
  deviceId: goggle-01
  gatewayId: gw-01
auth:
  keyFile: /config/rsa_private.pem
`))
	require.NoError(t, err)

	issuer := config.IssuerConfig()
	assert.Equal(t, "goggle-project", issuer.Audience)
	assert.Equal(t, "/config/rsa_private.pem", issuer.KeyFile)

	sess := config.SessionConfig()
	assert.True(t, sess.Identity.Gateway())
	assert.Equal(t, "gw-01", sess.Identity.GatewayID)
	assert.Equal(t, 5*time.Second, sess.AttachSettle)

	b := config.BrokerConfig()
	assert.Equal(t, "ssl://mqtt.googleapis.com:8883", b.URL())

	pwm := config.SysfsConfig()
	assert.Equal(t, map[int]int{13: 1, 18: 0}, pwm.Channels)

	assert.Equal(t, config.Audit.Dir, config.AuditConfig().Dir)
}
