package actuator

import (
	"context"

	"github.com/rs/zerolog"
)

// LogOutput is a PulseOutput that only logs. It backs --dry-run.
type LogOutput struct {
	log zerolog.Logger
}

// NewLogOutput creates a log-only output.
func NewLogOutput(log zerolog.Logger) *LogOutput {
	return &LogOutput{log: log.With().Str("component", "pulse-output").Logger()}
}

// Write logs the pulse instead of driving hardware.
func (o *LogOutput) Write(ctx context.Context, pin int, pulse int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.log.Info().Int("pin", pin).Int("pulse", pulse).Msg("Pulse write (dry run)")
	return nil
}
