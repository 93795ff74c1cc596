package heartbeat

import "errors"

// Domain errors for the heartbeat package.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrMalformedPayload is returned when a heartbeat payload cannot be
	// parsed or fails validation.
	ErrMalformedPayload = errors.New("heartbeat: malformed payload")

	// ErrMissingDeviceID is returned when neither the topic nor the payload
	// identifies the device.
	ErrMissingDeviceID = errors.New("heartbeat: missing device id")

	// ErrSweepInProgress is returned when a manual sweep is requested while
	// a sweep is already running.
	ErrSweepInProgress = errors.New("heartbeat: sweep already in progress")
)
