// Package config loads the mqttservo configuration.
//
// Load starts from Default, decodes an optional YAML file over it, applies
// MQTTSERVO_* environment overrides and validates the result. Durations are
// written as Go duration strings ("20m", "500ms").
package config
