package mqtt

import (
	"fmt"
	"strings"
)

// Topic scheme for the iotv fleet.
//
// Devices publish under their own ID: iotv/{device_id}/{channel}
// The monitor publishes its own liveness under iotv/system/status.
const (
	// TopicPrefix is the base for all fleet topics.
	TopicPrefix = "iotv"

	// TopicPrefixSystem is the base for monitor system topics.
	TopicPrefixSystem = "iotv/system"
)

// Topics provides builders for iotv MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	hbTopic := topics.DeviceHeartbeat("tv-lobby-01")
//	// Returns: "iotv/tv-lobby-01/heartbeat"
type Topics struct{}

// DeviceHeartbeat returns the topic a device publishes heartbeats on.
//
// Example: iotv/tv-lobby-01/heartbeat
func (Topics) DeviceHeartbeat(deviceID string) string {
	return fmt.Sprintf("%s/%s/heartbeat", TopicPrefix, deviceID)
}

// DeviceStatus returns the topic the monitor publishes device status
// transitions on. Retained so new subscribers see the last known status.
//
// Example: iotv/tv-lobby-01/status
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefix, deviceID)
}

// DeviceCommand returns the topic for power commands to a device.
//
// Example: iotv/tv-lobby-01/command
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefix, deviceID)
}

// SystemStatus returns the monitor's own liveness topic.
// Used for the LWT and graceful shutdown messages.
//
// Example: iotv/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllHeartbeats returns a pattern matching heartbeats from every device.
//
// Pattern: iotv/+/heartbeat
func (Topics) AllHeartbeats() string {
	return fmt.Sprintf("%s/+/heartbeat", TopicPrefix)
}

// topicParts is the segment count of a device topic: iotv/{id}/{channel}.
const topicParts = 3

// DeviceIDFromTopic extracts the device ID from a device topic.
//
// Returns "" if the topic does not match the iotv/{id}/{channel} scheme.
// The system prefix is excluded since "system" is not a device ID.
func DeviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != topicParts || parts[0] != TopicPrefix {
		return ""
	}
	if parts[1] == "" || parts[1] == "system" {
		return ""
	}
	return parts[1]
}
