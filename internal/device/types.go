package device

import "time"

// Device represents a single television in the monitored fleet.
// This matches the database schema in migrations/20260815_120000_create_devices.up.sql.
type Device struct {
	// Identity
	ID   string `json:"id"`
	Name string `json:"name"`

	// Placement and hardware
	Location string  `json:"location"`
	Model    string  `json:"model"`
	MAC      *string `json:"mac_address,omitempty"`

	// Liveness
	Status            Status     `json:"status"`
	LastHeartbeat     *time.Time `json:"last_heartbeat,omitempty"`
	HeartbeatInterval int        `json:"heartbeat_interval"`

	// SensorData is the latest snapshot of readings carried on heartbeats.
	// Keys are merged per heartbeat, never replaced wholesale, so a reading
	// absent from one heartbeat keeps its previous value.
	SensorData SensorData `json:"sensor_data"`

	// Version increments on every successful write. Writers that carry a
	// version token only succeed if it still matches the stored row.
	Version int64 `json:"version"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates a complete independent copy of the Device.
// The sensor map is cloned so modifications to the copy do not affect
// the original. This is essential for cache isolation.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d // Shallow copy of value fields

	if d.SensorData != nil {
		cpy.SensorData = make(SensorData, len(d.SensorData))
		for k, v := range d.SensorData {
			cpy.SensorData[k] = v
		}
	}

	// Pointer fields (*string, *time.Time) don't need deep copy
	// because strings and time.Time are immutable in Go

	return &cpy
}

// IsStale reports whether the device has missed its heartbeat allowance
// as of now. A device that has never sent a heartbeat is stale immediately.
//
// The allowance is heartbeat_interval * graceMultiplier, so with the
// default multiplier of 2 a device gets two missed beats before demotion.
func (d *Device) IsStale(now time.Time, graceMultiplier float64) bool {
	if d.LastHeartbeat == nil {
		return true
	}
	allowance := time.Duration(float64(d.HeartbeatInterval)*graceMultiplier) * time.Second
	return now.Sub(*d.LastHeartbeat) > allowance
}

// SensorData holds the latest sensor readings as a JSON map.
//
// Example: {"current": 0.38, "voltage": 230.1, "power": 87.4, "temperature": 41.2}
type SensorData map[string]float64

// Known sensor fields carried on heartbeats. The map is open so firmware
// can report additional fields without a schema change.
const (
	SensorCurrent     = "current"
	SensorVoltage     = "voltage"
	SensorPower       = "power"
	SensorTemperature = "temperature"
)

// Status represents the liveness state of a device.
type Status string

// Status constants.
const (
	// StatusOnline means the device is believed alive: it either sent a
	// recent heartbeat or an operator forced it on.
	StatusOnline Status = "online"

	// StatusOffline means the device is presumed dead: heartbeats stopped,
	// it reported a shutdown, or an operator forced it off.
	StatusOffline Status = "offline"
)

// IsValid reports whether the status is a recognised value.
func (s Status) IsValid() bool {
	return s == StatusOnline || s == StatusOffline
}

// DefaultHeartbeatInterval is the heartbeat interval, in seconds, assigned
// to devices created without one.
const DefaultHeartbeatInterval = 60
