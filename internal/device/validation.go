package device

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength     = 100
	maxLocationLength = 100
	maxModelLength    = 100

	// maxSensorKeys caps the sensor map to prevent unbounded growth from
	// misbehaving firmware.
	maxSensorKeys = 50

	// maxHeartbeatInterval caps the interval at 24 hours. Anything longer
	// makes the staleness sweep meaningless.
	maxHeartbeatInterval = 86400
)

// ValidateDevice performs comprehensive validation on a device.
// Returns an error describing the first validation failure found.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}

	if err := ValidateName(d.Name); err != nil {
		return err
	}

	location := strings.TrimSpace(d.Location)
	if location == "" {
		return fmt.Errorf("%w: location is required", ErrInvalidDevice)
	}
	if len(location) > maxLocationLength {
		return fmt.Errorf("%w: location exceeds %d characters", ErrInvalidDevice, maxLocationLength)
	}

	model := strings.TrimSpace(d.Model)
	if model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidDevice)
	}
	if len(model) > maxModelLength {
		return fmt.Errorf("%w: model exceeds %d characters", ErrInvalidDevice, maxModelLength)
	}

	if d.MAC != nil {
		if err := ValidateMAC(*d.MAC); err != nil {
			return err
		}
	}

	if d.Status != "" && !d.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, d.Status)
	}

	if err := ValidateHeartbeatInterval(d.HeartbeatInterval); err != nil {
		return err
	}

	if len(d.SensorData) > maxSensorKeys {
		return fmt.Errorf("%w: sensor_data exceeds max keys (%d)", ErrInvalidDevice, maxSensorKeys)
	}

	return nil
}

// ValidateName checks if a device name is valid.
func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidName, maxNameLength)
	}
	return nil
}

// ValidateMAC checks if a MAC address is well-formed.
// Accepts the formats net.ParseMAC understands (colon, hyphen, dot groups).
func ValidateMAC(mac string) error {
	if _, err := net.ParseMAC(mac); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	return nil
}

// ValidateHeartbeatInterval checks the interval is positive and sane.
// Zero is rejected: a persisted zero would make every staleness allowance
// collapse and the next sweep would demote a device that just reported.
// Registration applies a default before validating, so omitted intervals
// never reach this check as zero.
func ValidateHeartbeatInterval(seconds int) error {
	if seconds < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidInterval, seconds)
	}
	if seconds > maxHeartbeatInterval {
		return fmt.Errorf("%w: %d exceeds maximum %d", ErrInvalidInterval, seconds, maxHeartbeatInterval)
	}
	return nil
}

// ValidateStatus checks if a status value is recognised.
func ValidateStatus(status Status) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	return nil
}

// GenerateID creates a new unique device ID.
func GenerateID() string {
	return uuid.NewString()
}

// ValidateID checks a device ID is non-empty and free of topic separators.
// Device IDs appear as MQTT topic segments, so "/", "+", and "#" are
// forbidden.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidDevice)
	}
	if strings.ContainsAny(id, "/+#") {
		return fmt.Errorf("%w: id contains reserved topic characters", ErrInvalidDevice)
	}
	return nil
}
