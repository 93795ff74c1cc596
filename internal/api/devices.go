package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/icaro258/iotv/internal/device"
)

// handleListDevices returns all devices, with an optional status filter.
//
// Query parameters:
//   - status: filter by liveness status (online, offline)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if statusStr := r.URL.Query().Get("status"); statusStr != "" {
		status := device.Status(statusStr)
		if !status.IsValid() {
			writeBadRequest(w, "unknown status: "+statusStr)
			return
		}
		devices, err := s.registry.GetDevicesByStatus(ctx, status)
		if err != nil {
			writeInternalError(w, "failed to list devices")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
		return
	}

	devices, err := s.registry.ListDevices(ctx)
	if err != nil {
		writeInternalError(w, "failed to list devices")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dev, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// createDeviceRequest is the request body for POST /devices.
// Registration captures the static identity; liveness fields are owned by
// the heartbeat pipeline and cannot be set here.
type createDeviceRequest struct {
	Name              string  `json:"name"`
	Location          string  `json:"location"`
	Model             string  `json:"model"`
	MAC               *string `json:"mac_address,omitempty"`
	HeartbeatInterval int     `json:"heartbeat_interval,omitempty"`
}

// handleCreateDevice registers a new device.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	dev := &device.Device{
		Name:              req.Name,
		Location:          req.Location,
		Model:             req.Model,
		MAC:               req.MAC,
		HeartbeatInterval: req.HeartbeatInterval,
	}

	if err := s.registry.CreateDevice(r.Context(), dev); err != nil {
		switch {
		case isValidationError(err):
			writeValidationError(w, err.Error())
		case errors.Is(err, device.ErrDeviceExists):
			writeConflict(w, "device already exists")
		default:
			writeInternalError(w, "failed to create device")
		}
		return
	}

	writeJSON(w, http.StatusCreated, dev)
}

// updateDeviceRequest is the request body for PATCH /devices/{id}.
// Pointer fields distinguish "not provided" from zero values.
type updateDeviceRequest struct {
	Name              *string `json:"name,omitempty"`
	Location          *string `json:"location,omitempty"`
	Model             *string `json:"model,omitempty"`
	MAC               *string `json:"mac_address,omitempty"`
	HeartbeatInterval *int    `json:"heartbeat_interval,omitempty"`
}

// handleUpdateDevice partially updates a device's registration fields.
//
// The read-modify-write runs against the device's current version; a
// concurrent write (heartbeat, sweep, another operator) surfaces as 409
// and the client retries with fresh data.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	existing, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	if req.Name != nil {
		existing.Name = *req.Name
	}
	if req.Location != nil {
		existing.Location = *req.Location
	}
	if req.Model != nil {
		existing.Model = *req.Model
	}
	if req.MAC != nil {
		existing.MAC = req.MAC
	}
	if req.HeartbeatInterval != nil {
		existing.HeartbeatInterval = *req.HeartbeatInterval
	}

	if err := s.registry.UpdateDevice(r.Context(), existing); err != nil {
		switch {
		case isValidationError(err):
			writeValidationError(w, err.Error())
		case errors.Is(err, device.ErrVersionConflict):
			writeConflict(w, "device was modified concurrently, retry with fresh data")
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		default:
			writeInternalError(w, "failed to update device")
		}
		return
	}

	writeJSON(w, http.StatusOK, existing)
}

// handleDeleteDevice removes a device by ID.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.registry.DeleteDevice(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to delete device")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceStats returns device registry statistics.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.GetStats()
	writeJSON(w, http.StatusOK, stats)
}

// isValidationError checks whether an error is a device validation error.
// ValidateDevice wraps several sentinel errors, so all of them are checked
// rather than just ErrInvalidDevice.
func isValidationError(err error) bool {
	return errors.Is(err, device.ErrInvalidDevice) ||
		errors.Is(err, device.ErrInvalidName) ||
		errors.Is(err, device.ErrInvalidStatus) ||
		errors.Is(err, device.ErrInvalidInterval) ||
		errors.Is(err, device.ErrInvalidMAC)
}
