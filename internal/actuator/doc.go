// Package actuator maps logical angles onto servo pulse widths.
//
// A Channel couples one orientation axis (roll, pitch or yaw) with a servo
// pin and its calibration. Angles are clamped into the calibrated range and
// mapped affinely onto the pulse range, then handed to a PulseOutput, the
// driver capability the rest of the program writes through.
package actuator
