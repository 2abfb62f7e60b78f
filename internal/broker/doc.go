// Package broker connects the session to an MQTT bridge with paho.
//
// paho's own reconnect and retry logic is switched off; the session manager
// decides when to reconnect. Callbacks are turned into session events on a
// per-connection channel, in delivery order.
package broker
