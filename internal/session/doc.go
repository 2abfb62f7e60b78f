// Package session keeps the authenticated MQTT session alive.
//
// A Manager owns exactly one connection at a time and moves it through
// DISCONNECTED, CONNECTING, CONNECTED and finally TERMINATED. Every connect
// presents a freshly issued credential. Lost connections are retried with
// exponential backoff until the delay exceeds the configured ceiling, and a
// credential older than the refresh threshold is rotated by a forced
// reconnect that leaves the backoff state alone.
//
// Transport callbacks never touch session state; they deliver tagged Events
// on the connection's channel and the Run goroutine consumes them in order.
package session
