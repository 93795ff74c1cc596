package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides device management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by the CRUD and heartbeat operations. Cache entries only move forward:
// a write result with an older version than the cached copy is discarded,
// so concurrent heartbeat and sweep writes cannot roll the cache back.
//
// All public methods are thread-safe.
type Registry struct {
	repo            Repository
	cache           map[string]*Device // Cached devices by ID
	cacheMu         sync.RWMutex       // Protects cache
	logger          Logger
	defaultInterval int // Seconds assigned to devices registered without one
}

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:            repo,
		cache:           make(map[string]*Device),
		logger:          noopLogger{},
		defaultInterval: DefaultHeartbeatInterval,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetDefaultInterval overrides the heartbeat interval, in seconds, assigned
// to devices registered without one. Non-positive values are ignored.
func (r *Registry) SetDefaultInterval(seconds int) {
	if seconds > 0 {
		r.defaultInterval = seconds
	}
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	// Clear and rebuild cache with deep copies
	r.cache = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i]
		r.cache[d.ID] = d.DeepCopy()
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// storeInCache replaces the cached copy only if the incoming device is at
// least as new as the cached one. Callers hold no lock.
func (r *Registry) storeInCache(d *Device) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	if cached, ok := r.cache[d.ID]; ok && cached.Version > d.Version {
		return
	}
	r.cache[d.ID] = d.DeepCopy()
}

// GetDevice retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	// Try cache first
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if ok {
		// Return a deep copy to prevent external mutation of cache
		return cached.DeepCopy(), nil
	}

	// Fall back to repository (might be a new device not yet cached)
	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	r.storeInCache(device)

	return device, nil
}

// ListDevices retrieves all devices.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	// Return from cache if populated
	if len(r.cache) > 0 {
		devices := make([]Device, 0, len(r.cache))
		for _, d := range r.cache {
			// Deep copy to prevent external mutation of cache
			devices = append(devices, *d.DeepCopy())
		}
		return devices, nil
	}

	// Fall back to repository
	return r.repo.List(ctx)
}

// GetDevicesByStatus retrieves all devices with a specific status.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) GetDevicesByStatus(ctx context.Context, status Status) ([]Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	// Filter from cache if populated
	if len(r.cache) > 0 {
		var devices []Device
		for _, d := range r.cache {
			if d.Status == status {
				// Deep copy to prevent external mutation of cache
				devices = append(devices, *d.DeepCopy())
			}
		}
		return devices, nil
	}

	return r.repo.ListByStatus(ctx, status)
}

// GetDevicesCreatedBetween retrieves devices registered within [from, to].
// This always hits the repository; the created_at index makes it cheap and
// export correctness matters more than cache hits.
func (r *Registry) GetDevicesCreatedBetween(ctx context.Context, from, to time.Time) ([]Device, error) {
	return r.repo.ListCreatedBetween(ctx, from, to)
}

// CreateDevice creates a new device.
// It validates the device, generates an ID if needed, applies defaults,
// and persists it. New devices start offline until their first heartbeat.
func (r *Registry) CreateDevice(ctx context.Context, device *Device) error {
	// Generate ID if not provided
	if device.ID == "" {
		device.ID = GenerateID()
	}
	if err := ValidateID(device.ID); err != nil {
		return err
	}

	// Apply defaults
	if device.Status == "" {
		device.Status = StatusOffline
	}
	if device.HeartbeatInterval == 0 {
		device.HeartbeatInterval = r.defaultInterval
	}

	// Validate
	if err := ValidateDevice(device); err != nil {
		return err
	}

	// Persist
	if err := r.repo.Create(ctx, device); err != nil {
		return err
	}

	r.storeInCache(device)

	r.logger.Info("device created", "id", device.ID, "name", device.Name)
	return nil
}

// UpdateDevice updates an existing device guarded by its version token.
// Returns ErrVersionConflict if another writer got there first; callers
// should re-read, re-apply, and retry.
func (r *Registry) UpdateDevice(ctx context.Context, device *Device) error {
	// Validate
	if err := ValidateDevice(device); err != nil {
		return err
	}

	// Persist
	if err := r.repo.Update(ctx, device); err != nil {
		return err
	}

	r.storeInCache(device)

	r.logger.Info("device updated", "id", device.ID, "name", device.Name)
	return nil
}

// DeleteDevice removes a device.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	// Update cache
	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("device deleted", "id", id)
	return nil
}

// ApplyHeartbeat records a heartbeat observation for a device.
// This is the hot path, driven by the MQTT ingestor.
// Returns the refreshed device, ErrStaleHeartbeat for duplicate or
// out-of-order timestamps, or ErrDeviceNotFound.
func (r *Registry) ApplyHeartbeat(ctx context.Context, id string, ts time.Time, status Status, readings SensorData) (*Device, error) {
	updated, err := r.repo.ApplyHeartbeat(ctx, id, ts, status, readings)
	if err != nil {
		return nil, err
	}

	r.storeInCache(updated)

	r.logger.Debug("heartbeat applied", "id", id, "status", updated.Status)
	return updated, nil
}

// SetStatus overwrites the device status unconditionally.
// This is the operator path: it never touches last_heartbeat, so a manual
// "online" on a silent device is reverted by the next sweep.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status) (*Device, error) {
	if err := ValidateStatus(status); err != nil {
		return nil, err
	}

	updated, err := r.repo.SetStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}

	r.storeInCache(updated)

	r.logger.Info("device status set", "id", id, "status", status)
	return updated, nil
}

// DemoteIfFresh marks a device offline only if its version token still
// matches. The sweeper uses this to lose gracefully against heartbeats.
func (r *Registry) DemoteIfFresh(ctx context.Context, id string, version int64) (*Device, error) {
	updated, err := r.repo.DemoteIfFresh(ctx, id, version)
	if err != nil {
		return nil, err
	}

	r.storeInCache(updated)

	r.logger.Info("device demoted", "id", id)
	return updated, nil
}

// GetDeviceCount returns the number of cached devices.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices int
	ByStatus     map[Status]int
	ByModel      map[string]int
	ByLocation   map[string]int
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	stats := Stats{
		TotalDevices: len(r.cache),
		ByStatus:     make(map[Status]int),
		ByModel:      make(map[string]int),
		ByLocation:   make(map[string]int),
	}

	for _, d := range r.cache {
		stats.ByStatus[d.Status]++
		stats.ByModel[d.Model]++
		stats.ByLocation[d.Location]++
	}

	return stats
}
