package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrDeviceExists is returned when creating a device with an ID that already exists.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidName is returned when a device name is empty or too long.
	ErrInvalidName = errors.New("device: invalid name")

	// ErrInvalidStatus is returned when a status value is not recognised.
	ErrInvalidStatus = errors.New("device: invalid status")

	// ErrInvalidInterval is returned when a heartbeat interval is not positive.
	ErrInvalidInterval = errors.New("device: invalid heartbeat interval")

	// ErrInvalidMAC is returned when a MAC address is malformed.
	ErrInvalidMAC = errors.New("device: invalid mac address")

	// ErrVersionConflict is returned when a conditional write loses the race:
	// the stored version no longer matches the caller's token.
	ErrVersionConflict = errors.New("device: version conflict")

	// ErrStaleHeartbeat is returned when a heartbeat is rejected because the
	// stored last_heartbeat is already at or past the incoming timestamp.
	ErrStaleHeartbeat = errors.New("device: stale heartbeat")
)
