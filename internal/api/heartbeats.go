package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/icaro258/iotv/internal/device"
	"github.com/icaro258/iotv/internal/heartbeat"
)

// handleIngestHeartbeat accepts a heartbeat over HTTP.
//
// This is the fallback path for devices that cannot speak MQTT. The body
// is the same JSON document devices publish on their heartbeat topic,
// with device_id carried in the payload instead of the topic.
func (s *Server) handleIngestHeartbeat(w http.ResponseWriter, r *http.Request) {
	var msg heartbeat.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	updated, err := s.ingestor.Ingest(r.Context(), &msg)
	if err != nil {
		switch {
		case errors.Is(err, heartbeat.ErrMissingDeviceID):
			writeBadRequest(w, "device_id is required")
		case errors.Is(err, heartbeat.ErrMalformedPayload):
			writeBadRequest(w, err.Error())
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, device.ErrStaleHeartbeat):
			// Duplicate or out-of-order delivery. The device's record
			// already reflects a newer observation.
			writeConflict(w, "heartbeat is older than the device's last recorded heartbeat")
		default:
			writeInternalError(w, "failed to apply heartbeat")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, updated)
}

// handleSweep triggers a staleness sweep immediately.
//
// The periodic sweeper keeps running on its own schedule; this endpoint
// exists for operators who just changed intervals or brought a site back
// up and want the fleet view reconciled now.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeInternalError(w, "sweeper not configured")
		return
	}

	result, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		if errors.Is(err, heartbeat.ErrSweepInProgress) {
			writeConflict(w, "a sweep is already running")
			return
		}
		writeInternalError(w, "sweep failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
