// Package audit keeps an append-only JSONL trail of actuator writes.
//
// Each accepted control message produces one entry per channel with the
// freshness marker, the input angle, the pulse written and the outcome. The
// file is rotated by size through lumberjack.
package audit
