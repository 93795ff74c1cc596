package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/icaro258/iotv/internal/device"
	"github.com/icaro258/iotv/internal/infrastructure/mqtt"
)

// Power actions accepted by the command endpoints.
const (
	PowerActionOn  = "on"
	PowerActionOff = "off"
)

// powerRequest is the request body for POST /devices/{id}/power.
type powerRequest struct {
	Action string `json:"action"`
}

// bulkPowerRequest is the request body for POST /devices/power.
// An empty device_ids targets every device not already in the requested
// state, which is what the dashboard's fleet-wide buttons send.
type bulkPowerRequest struct {
	Action    string   `json:"action"`
	DeviceIDs []string `json:"device_ids,omitempty"`
}

// PowerResult is the per-device outcome of a power command.
type PowerResult struct {
	DeviceID string         `json:"device_id"`
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	Device   *device.Device `json:"device,omitempty"`
}

// handleDevicePower applies a power action to a single device.
//
// The registry status flips immediately so dashboards reflect the
// operator's intent. An "on" is provisional: it does not fabricate a
// heartbeat, so a device that never reports back is demoted by the next
// sweep. The command is also published to the device's MQTT command topic.
func (s *Server) handleDevicePower(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req powerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	status, err := actionToStatus(req.Action)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	result := s.applyPower(r, id, req.Action, status)
	if !result.OK {
		if result.Error == "device not found" {
			writeNotFound(w, result.Error)
			return
		}
		writeInternalError(w, result.Error)
		return
	}

	writeJSON(w, http.StatusOK, result.Device)
}

// maxBulkPowerDevices caps the number of devices in one bulk command.
const maxBulkPowerDevices = 500

// handleBulkPower applies a power action to multiple devices.
//
// The operation is not atomic: each device is handled independently and
// the response carries a per-device result. A failure on one device never
// rolls back the others.
func (s *Server) handleBulkPower(w http.ResponseWriter, r *http.Request) {
	var req bulkPowerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	status, err := actionToStatus(req.Action)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if len(req.DeviceIDs) > maxBulkPowerDevices {
		writeBadRequest(w, "too many devices in one command")
		return
	}

	// No explicit targets: act on every device not already in the
	// requested state.
	if len(req.DeviceIDs) == 0 {
		opposite := device.StatusOffline
		if status == device.StatusOffline {
			opposite = device.StatusOnline
		}
		targets, err := s.registry.GetDevicesByStatus(r.Context(), opposite)
		if err != nil {
			writeInternalError(w, "failed to list devices")
			return
		}
		for i := range targets {
			req.DeviceIDs = append(req.DeviceIDs, targets[i].ID)
		}
	}

	results := make([]PowerResult, 0, len(req.DeviceIDs))
	succeeded := 0
	for _, id := range req.DeviceIDs {
		result := s.applyPower(r, id, req.Action, status)
		result.Device = nil // keep bulk responses compact
		if result.OK {
			succeeded++
		}
		results = append(results, result)
	}

	s.logger.Info("bulk power command",
		"action", req.Action,
		"requested", len(req.DeviceIDs),
		"succeeded", succeeded,
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"action":    req.Action,
		"requested": len(req.DeviceIDs),
		"succeeded": succeeded,
		"failed":    len(req.DeviceIDs) - succeeded,
		"results":   results,
	})
}

// applyPower flips a single device's status and forwards the command to
// the device. Errors are folded into the result rather than returned so
// bulk commands can keep going.
func (s *Server) applyPower(r *http.Request, id, action string, status device.Status) PowerResult {
	updated, err := s.registry.SetStatus(r.Context(), id, status)
	if err != nil {
		msg := "failed to set device status"
		if errors.Is(err, device.ErrDeviceNotFound) {
			msg = "device not found"
		}
		return PowerResult{DeviceID: id, OK: false, Error: msg}
	}

	s.publishCommand(id, action)
	s.hub.DeviceUpdated(updated, "operator")
	if s.status != nil {
		s.status.DeviceUpdated(updated, "operator")
	}

	s.logger.Info("power command applied",
		"device_id", id,
		"action", action,
		"request_id", middleware.GetReqID(r.Context()),
	)

	return PowerResult{DeviceID: id, OK: true, Device: updated}
}

// publishCommand forwards a power action to the device's command topic.
// Best effort: the registry is already updated, and a device that misses
// the command shows up through the heartbeat pipeline anyway.
func (s *Server) publishCommand(id, action string) {
	if s.mqtt == nil {
		return
	}

	payload, err := json.Marshal(map[string]string{"action": action})
	if err != nil {
		return
	}

	topic := mqtt.Topics{}.DeviceCommand(id)
	if err := s.mqtt.Publish(topic, payload, 1, false); err != nil {
		s.logger.Debug("command publish failed", "device_id", id, "error", err)
	}
}

// actionToStatus maps a power action to the resulting registry status.
func actionToStatus(action string) (device.Status, error) {
	switch action {
	case PowerActionOn:
		return device.StatusOnline, nil
	case PowerActionOff:
		return device.StatusOffline, nil
	default:
		return "", errors.New("action must be \"on\" or \"off\"")
	}
}
