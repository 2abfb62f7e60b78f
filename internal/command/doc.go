// Package command turns control messages into servo pulses.
//
// The orchestrator decodes a message, drops it unless its last_seen marker is
// newer than every marker accepted before, maps the configured orientation
// axes through each channel's calibration and writes the pulses. Every write
// is audited and counted in telemetry.
package command
