// Package actuatortest provides driver-agnostic conformance testing for pulse
// outputs.
package actuatortest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/servo-link/mqttservo/internal/actuator"
)

// Capabilities describes the output under test.
type Capabilities struct {
	// Pins the output accepts.
	Pins []int

	// MinPulse and MaxPulse bound the pulses written during the run. The
	// default calibration range is used when both are zero.
	MinPulse int
	MaxPulse int

	// UnknownPin, when set, must be rejected with actuator.ErrUnknownPin.
	UnknownPin *int

	// MaxWriteDuration fails writes slower than this. Zero disables the check.
	MaxWriteDuration time.Duration
}

// ConformanceResult represents the result of a conformance check.
type ConformanceResult struct {
	TestName string
	Passed   bool
	Error    string
	Duration time.Duration
}

// ConformanceReport collects the results of one run.
type ConformanceReport struct {
	OutputName    string
	TotalTests    int
	PassedTests   int
	FailedTests   int
	Results       []ConformanceResult
	OverallPassed bool
	Duration      time.Duration
}

// RunConformance runs the conformance suite. newOutput is called once per
// group so state does not leak between groups.
func RunConformance(t *testing.T, name string, newOutput func(t *testing.T) actuator.PulseOutput, caps Capabilities) *ConformanceReport {
	t.Helper()
	start := time.Now()

	if caps.MinPulse == 0 && caps.MaxPulse == 0 {
		cal := actuator.DefaultCalibration()
		caps.MinPulse = int(cal.MinPulse)
		caps.MaxPulse = int(cal.MaxPulse)
	}

	report := &ConformanceReport{OutputName: name, OverallPassed: true}

	runWriteTests(t, newOutput, caps, report)
	runIdempotencyTests(t, newOutput, caps, report)
	runUnknownPinTests(t, newOutput, caps, report)
	runCancellationTests(t, newOutput, caps, report)
	runMappedWriteTests(t, newOutput, caps, report)

	report.Duration = time.Since(start)
	logReport(t, report)

	if !report.OverallPassed {
		t.Fatalf("%s conformance failed: %d/%d checks passed", name, report.PassedTests, report.TotalTests)
	}
	return report
}

func timedWrite(ctx context.Context, out actuator.PulseOutput, pin, pulse int) (time.Duration, error) {
	start := time.Now()
	err := out.Write(ctx, pin, pulse)
	return time.Since(start), err
}

func (c Capabilities) checkDuration(result *ConformanceResult) {
	if c.MaxWriteDuration > 0 && result.Duration > c.MaxWriteDuration {
		result.Passed = false
		result.Error = fmt.Sprintf("write took %v, limit %v", result.Duration, c.MaxWriteDuration)
	}
}

// runWriteTests writes the pulse range bounds and midpoint to every pin.
func runWriteTests(t *testing.T, newOutput func(t *testing.T) actuator.PulseOutput, caps Capabilities, report *ConformanceReport) {
	out := newOutput(t)
	ctx := context.Background()

	pulses := []int{caps.MinPulse, (caps.MinPulse + caps.MaxPulse) / 2, caps.MaxPulse}
	for _, pin := range caps.Pins {
		for _, pulse := range pulses {
			result := ConformanceResult{TestName: fmt.Sprintf("Write_Pin%d_Pulse%d", pin, pulse)}

			var err error
			result.Duration, err = timedWrite(ctx, out, pin, pulse)
			if err != nil {
				result.Error = fmt.Sprintf("Write(%d, %d) failed: %v", pin, pulse, err)
			} else {
				result.Passed = true
				caps.checkDuration(&result)
			}
			report.addResult(result)
		}
	}
}

// runIdempotencyTests repeats the same write.
func runIdempotencyTests(t *testing.T, newOutput func(t *testing.T) actuator.PulseOutput, caps Capabilities, report *ConformanceReport) {
	if len(caps.Pins) == 0 {
		return
	}
	out := newOutput(t)
	ctx := context.Background()
	pin := caps.Pins[0]

	result := ConformanceResult{TestName: "Write_Repeated"}
	start := time.Now()
	result.Passed = true
	for i := 0; i < 3; i++ {
		if err := out.Write(ctx, pin, caps.MaxPulse); err != nil {
			result.Passed = false
			result.Error = fmt.Sprintf("write %d failed: %v", i+1, err)
			break
		}
	}
	result.Duration = time.Since(start)
	report.addResult(result)
}

func runUnknownPinTests(t *testing.T, newOutput func(t *testing.T) actuator.PulseOutput, caps Capabilities, report *ConformanceReport) {
	if caps.UnknownPin == nil {
		return
	}
	out := newOutput(t)

	result := ConformanceResult{TestName: fmt.Sprintf("Write_UnknownPin%d", *caps.UnknownPin)}
	var err error
	result.Duration, err = timedWrite(context.Background(), out, *caps.UnknownPin, caps.MinPulse)
	switch {
	case err == nil:
		result.Error = "write to unknown pin should have failed"
	case !errors.Is(err, actuator.ErrUnknownPin):
		result.Error = fmt.Sprintf("expected ErrUnknownPin, got: %v", err)
	default:
		result.Passed = true
	}
	report.addResult(result)
}

// runCancellationTests checks a cancelled context is refused.
func runCancellationTests(t *testing.T, newOutput func(t *testing.T) actuator.PulseOutput, caps Capabilities, report *ConformanceReport) {
	if len(caps.Pins) == 0 {
		return
	}
	out := newOutput(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := ConformanceResult{TestName: "Write_CancelledContext"}
	var err error
	result.Duration, err = timedWrite(ctx, out, caps.Pins[0], caps.MinPulse)
	if !errors.Is(err, context.Canceled) {
		result.Error = fmt.Sprintf("expected context.Canceled, got: %v", err)
	} else {
		result.Passed = true
	}
	report.addResult(result)
}

// runMappedWriteTests drives every pin through a default-calibrated channel
// across the angle range.
func runMappedWriteTests(t *testing.T, newOutput func(t *testing.T) actuator.PulseOutput, caps Capabilities, report *ConformanceReport) {
	out := newOutput(t)
	ctx := context.Background()
	cal := actuator.DefaultCalibration()

	for _, pin := range caps.Pins {
		channel := actuator.Channel{Name: fmt.Sprintf("pin%d", pin), Pin: pin, Source: actuator.AxisYaw, Calibration: cal}
		for _, angle := range []float64{cal.MinAngle, 0, cal.MaxAngle} {
			result := ConformanceResult{TestName: fmt.Sprintf("Mapped_Pin%d_Angle%.2f", pin, angle)}

			cmd, err := channel.Command(angle)
			if err != nil {
				result.Error = fmt.Sprintf("mapping failed: %v", err)
				report.addResult(result)
				continue
			}
			result.Duration, err = timedWrite(ctx, out, cmd.Pin, cmd.Pulse)
			if err != nil {
				result.Error = fmt.Sprintf("Write(%d, %d) failed: %v", cmd.Pin, cmd.Pulse, err)
			} else {
				result.Passed = true
			}
			report.addResult(result)
		}
	}
}

func (r *ConformanceReport) addResult(result ConformanceResult) {
	r.Results = append(r.Results, result)
	r.TotalTests++
	if result.Passed {
		r.PassedTests++
	} else {
		r.FailedTests++
		r.OverallPassed = false
	}
}

func logReport(t *testing.T, report *ConformanceReport) {
	t.Helper()
	t.Logf("Conformance report for %s: %d/%d passed in %v",
		report.OutputName, report.PassedTests, report.TotalTests, report.Duration)
	for _, r := range report.Results {
		if !r.Passed {
			t.Logf("  FAIL %s: %s", r.TestName, r.Error)
		}
	}
}
