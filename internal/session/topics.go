package session

import "fmt"

// Username is sent in CONNECT; the bridge ignores it.
const Username = "unused"

// Identity names the device (and optional gateway) in the registry.
type Identity struct {
	ProjectID string
	Region    string
	Registry  string
	DeviceID  string

	// GatewayID, when set, makes the client connect as this gateway and
	// attach DeviceID through it.
	GatewayID string
}

// Gateway reports whether the session runs in gateway mode.
func (id Identity) Gateway() bool {
	return id.GatewayID != ""
}

// ClientID returns the MQTT client id of the connecting party.
func (id Identity) ClientID() string {
	return fmt.Sprintf("projects/%s/locations/%s/registries/%s/devices/%s",
		id.ProjectID, id.Region, id.Registry, id.connectingID())
}

func (id Identity) connectingID() string {
	if id.Gateway() {
		return id.GatewayID
	}
	return id.DeviceID
}

// Subscription is a topic filter with its QoS.
type Subscription struct {
	Topic string
	QoS   byte
}

func configTopic(device string) string   { return fmt.Sprintf("/devices/%s/config", device) }
func commandsTopic(device string) string { return fmt.Sprintf("/devices/%s/commands/#", device) }

// AttachTopic is where a gateway announces the bound device.
func (id Identity) AttachTopic() string {
	return fmt.Sprintf("/devices/%s/attach", id.DeviceID)
}

// DetachTopic is where the device announces it is leaving.
func (id Identity) DetachTopic() string {
	return fmt.Sprintf("/devices/%s/detach", id.DeviceID)
}

// ErrorsTopic is the gateway error topic.
func (id Identity) ErrorsTopic() string {
	return fmt.Sprintf("/devices/%s/errors", id.GatewayID)
}

// Subscriptions lists the topics subscribed after each connect.
func (id Identity) Subscriptions() []Subscription {
	if !id.Gateway() {
		return []Subscription{
			{Topic: configTopic(id.DeviceID), QoS: QoSAtLeastOnce},
			{Topic: commandsTopic(id.DeviceID), QoS: QoSAtMostOnce},
		}
	}
	return []Subscription{
		{Topic: configTopic(id.GatewayID), QoS: QoSAtLeastOnce},
		{Topic: commandsTopic(id.GatewayID), QoS: QoSAtMostOnce},
		{Topic: configTopic(id.DeviceID), QoS: QoSAtLeastOnce},
		{Topic: commandsTopic(id.DeviceID), QoS: QoSAtMostOnce},
		{Topic: id.ErrorsTopic(), QoS: QoSAtMostOnce},
	}
}
