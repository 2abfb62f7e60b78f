// Package telemetry records session and actuation telemetry.
//
// The hub keeps Prometheus metrics for the MQTT session (state, connects,
// disconnects, credential refreshes, backoff delay) and the control pipeline
// (message outcomes, last pulse per channel), plus a bounded buffer of recent
// session events. Both are served over HTTP: /metrics in the Prometheus text
// format and /events as JSON, resumable with ?after=<id> or Last-Event-ID.
package telemetry
