package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/servo-link/mqttservo/internal/actuator"
	"github.com/servo-link/mqttservo/internal/audit"
	"github.com/servo-link/mqttservo/internal/freshness"
	"github.com/servo-link/mqttservo/internal/telemetry"
)

// Orchestrator routes accepted control messages to the pulse output.
type Orchestrator struct {
	// Channels driven by each message, in write order
	channels []actuator.Channel

	// Southbound pulse driver
	output actuator.PulseOutput

	// Last accepted marker
	filter *freshness.Filter

	// Telemetry hub for metrics and events
	telemetryHub *telemetry.Hub

	// Optional actuation audit trail
	auditLogger AuditLogger

	// Bound on each pulse write; zero means none
	writeTimeout time.Duration

	logger zerolog.Logger
}

// AuditLogger interface for writing audit records.
type AuditLogger interface {
	LogActuation(ctx context.Context, entry audit.Entry, err error)
}

var _ AuditLogger = (*audit.Logger)(nil)

// NewOrchestrator creates a new command orchestrator. Every channel is
// validated so a degenerate calibration never reaches the message path.
func NewOrchestrator(output actuator.PulseOutput, channels []actuator.Channel, telemetryHub *telemetry.Hub, logger zerolog.Logger) (*Orchestrator, error) {
	if output == nil {
		return nil, errors.New("pulse output is required")
	}
	if len(channels) == 0 {
		return nil, errors.New("at least one channel is required")
	}
	for _, ch := range channels {
		if err := ch.Validate(); err != nil {
			return nil, err
		}
	}

	return &Orchestrator{
		channels:     channels,
		output:       output,
		filter:       freshness.New(),
		telemetryHub: telemetryHub,
		logger:       logger.With().Str("component", "orchestrator").Logger(),
	}, nil
}

// SetAuditLogger sets the audit logger.
func (o *Orchestrator) SetAuditLogger(logger AuditLogger) {
	o.auditLogger = logger
}

// SetWriteTimeout bounds each pulse write.
func (o *Orchestrator) SetWriteTimeout(timeout time.Duration) {
	o.writeTimeout = timeout
}

// LastSeen returns the last accepted marker.
func (o *Orchestrator) LastSeen() (int64, bool) {
	return o.filter.LastSeen()
}

// HandleMessage processes one payload received on topic. Stale and ignored
// messages return nil; decode failures return an error wrapping ErrDecode.
func (o *Orchestrator) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	msg, err := Decode(payload)
	switch {
	case errors.Is(err, ErrUnsupportedKind):
		o.telemetryHub.RecordMessage(telemetry.OutcomeIgnored)
		o.logger.Debug().Str("topic", topic).Str("type", msg.Kind).Msg("Ignoring message")
		return nil
	case errors.Is(err, ErrMissingMarker):
		o.telemetryHub.RecordMessage(telemetry.OutcomeIgnored)
		o.logger.Debug().Str("topic", topic).Msg("Ignoring message without last_seen")
		return nil
	case err != nil:
		o.telemetryHub.RecordMessage(telemetry.OutcomeMalformed)
		return err
	}

	angles := make([]float64, len(o.channels))
	for i, ch := range o.channels {
		angle, ok := msg.Orientation.Angle(ch.Source)
		if !ok {
			o.telemetryHub.RecordMessage(telemetry.OutcomeMalformed)
			return fmt.Errorf("%w: %s (marker %d)", ErrMissingAxis, ch.Source, msg.Marker)
		}
		angles[i] = angle
	}

	if !o.filter.Accept(msg.Marker) {
		last, _ := o.filter.LastSeen()
		o.telemetryHub.RecordMessage(telemetry.OutcomeStale)
		o.logger.Debug().
			Int64("marker", msg.Marker).
			Int64("last_seen", last).
			Msg("Dropping stale message")
		return nil
	}

	if err := o.drive(ctx, msg.Marker, angles); err != nil {
		o.telemetryHub.RecordMessage(telemetry.OutcomeFailed)
		return err
	}

	o.telemetryHub.RecordMessage(telemetry.OutcomeAccepted)
	return nil
}

// Center drives every channel to the midpoint of its angle range.
func (o *Orchestrator) Center(ctx context.Context) error {
	var errs []error
	for _, ch := range o.channels {
		cmd, err := ch.Center()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		mid := (ch.Calibration.MinAngle + ch.Calibration.MaxAngle) / 2
		if err := o.write(ctx, 0, ch, mid, cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// drive writes one pulse per channel. A failing channel does not stop the
// others.
func (o *Orchestrator) drive(ctx context.Context, marker int64, angles []float64) error {
	var errs []error
	for i, ch := range o.channels {
		cmd, err := ch.Command(angles[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := o.write(ctx, marker, ch, angles[i], cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) write(ctx context.Context, marker int64, ch actuator.Channel, angle float64, cmd actuator.Command) error {
	writeCtx := ctx
	if o.writeTimeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(ctx, o.writeTimeout)
		defer cancel()
	}

	err := o.output.Write(writeCtx, cmd.Pin, cmd.Pulse)
	o.logAudit(ctx, audit.Entry{
		Marker:  marker,
		Channel: ch.Name,
		Pin:     cmd.Pin,
		Angle:   angle,
		Pulse:   cmd.Pulse,
	}, err)

	if err != nil {
		return &actuator.OutputError{Channel: ch.Name, Pin: cmd.Pin, Pulse: cmd.Pulse, Err: err}
	}

	o.telemetryHub.RecordPulse(ch.Name, cmd.Pulse)
	o.logger.Debug().
		Str("channel", ch.Name).
		Int("pin", cmd.Pin).
		Float64("angle", angle).
		Int("pulse", cmd.Pulse).
		Msg("Pulse written")
	return nil
}

// logAudit logs an audit record for a pulse write.
func (o *Orchestrator) logAudit(ctx context.Context, entry audit.Entry, err error) {
	if o.auditLogger != nil {
		o.auditLogger.LogActuation(ctx, entry, err)
	}
}
