package fake

import (
	"context"
	"testing"

	"github.com/servo-link/mqttservo/internal/actuator"
	"github.com/servo-link/mqttservo/internal/actuator/actuatortest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputRecordsWrites(t *testing.T) {
	out := NewOutput()
	ctx := context.Background()

	require.NoError(t, out.Write(ctx, 13, 150))
	require.NoError(t, out.Write(ctx, 18, 200))
	require.NoError(t, out.Write(ctx, 13, 160))

	assert.Equal(t, []Write{{13, 150}, {18, 200}, {13, 160}}, out.Writes())

	last, ok := out.Last(13)
	assert.True(t, ok)
	assert.Equal(t, 160, last)

	_, ok = out.Last(4)
	assert.False(t, ok)
}

func TestOutputErrorSimulation(t *testing.T) {
	out := NewOutput()
	ctx := context.Background()

	out.SetErrorSimulation(18, "UNKNOWN_PIN")
	assert.NoError(t, out.Write(ctx, 13, 150))
	assert.ErrorIs(t, out.Write(ctx, 18, 150), actuator.ErrUnknownPin)

	out.SetErrorSimulation(-1, "BUSY")
	assert.Error(t, out.Write(ctx, 13, 150))

	out.DisableErrorSimulation()
	assert.NoError(t, out.Write(ctx, 18, 151))
	assert.Len(t, out.Writes(), 2)
}

func TestOutputCancelledContext(t *testing.T) {
	out := NewOutput()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, out.Write(ctx, 13, 150), context.Canceled)
	assert.Empty(t, out.Writes())
}

func TestOutputConformance(t *testing.T) {
	actuatortest.RunConformance(t, "fake", func(t *testing.T) actuator.PulseOutput {
		return NewOutput()
	}, actuatortest.Capabilities{Pins: []int{13, 18}})
}
