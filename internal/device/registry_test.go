package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// MockRepository is a test implementation of Repository.
type MockRepository struct {
	mu      sync.Mutex
	devices map[string]*Device
	// For testing error paths
	createErr error
	updateErr error
	deleteErr error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		devices: make(map[string]*Device),
	}
}

func (m *MockRepository) GetByID(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.devices[id]; ok {
		return d.DeepCopy(), nil
	}
	return nil, ErrDeviceNotFound
}

func (m *MockRepository) List(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, *d.DeepCopy())
	}
	return devices, nil
}

func (m *MockRepository) ListByStatus(_ context.Context, status Status) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var devices []Device
	for _, d := range m.devices {
		if d.Status == status {
			devices = append(devices, *d.DeepCopy())
		}
	}
	return devices, nil
}

func (m *MockRepository) ListCreatedBetween(_ context.Context, from, to time.Time) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var devices []Device
	for _, d := range m.devices {
		if !from.IsZero() && d.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && d.CreatedAt.After(to) {
			continue
		}
		devices = append(devices, *d.DeepCopy())
	}
	return devices, nil
}

func (m *MockRepository) Create(_ context.Context, device *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return m.createErr
	}
	if _, exists := m.devices[device.ID]; exists {
		return ErrDeviceExists
	}
	if device.Version == 0 {
		device.Version = 1
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = time.Now().UTC()
	}
	m.devices[device.ID] = device.DeepCopy()
	return nil
}

func (m *MockRepository) Update(_ context.Context, device *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return m.updateErr
	}
	existing, ok := m.devices[device.ID]
	if !ok {
		return ErrDeviceNotFound
	}
	if existing.Version != device.Version {
		return ErrVersionConflict
	}
	device.Version++
	device.UpdatedAt = time.Now().UTC()
	m.devices[device.ID] = device.DeepCopy()
	return nil
}

func (m *MockRepository) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	if _, ok := m.devices[id]; !ok {
		return ErrDeviceNotFound
	}
	delete(m.devices, id)
	return nil
}

func (m *MockRepository) ApplyHeartbeat(_ context.Context, id string, ts time.Time, status Status, readings SensorData) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	if d.LastHeartbeat != nil && !d.LastHeartbeat.Before(ts) {
		return nil, ErrStaleHeartbeat
	}
	tsUTC := ts.UTC().Truncate(time.Second)
	d.Status = status
	d.LastHeartbeat = &tsUTC
	if d.SensorData == nil {
		d.SensorData = SensorData{}
	}
	for k, v := range readings {
		d.SensorData[k] = v
	}
	d.Version++
	d.UpdatedAt = time.Now().UTC()
	return d.DeepCopy(), nil
}

func (m *MockRepository) SetStatus(_ context.Context, id string, status Status) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	d.Status = status
	d.Version++
	d.UpdatedAt = time.Now().UTC()
	return d.DeepCopy(), nil
}

func (m *MockRepository) DemoteIfFresh(_ context.Context, id string, version int64) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	if d.Status != StatusOnline || d.Version != version {
		return nil, ErrVersionConflict
	}
	d.Status = StatusOffline
	d.Version++
	d.UpdatedAt = time.Now().UTC()
	return d.DeepCopy(), nil
}

func (m *MockRepository) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[Status]int)
	for _, d := range m.devices {
		counts[d.Status]++
	}
	return counts, nil
}

// seed inserts a device directly, bypassing validation.
func (m *MockRepository) seed(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Version == 0 {
		d.Version = 1
	}
	m.devices[d.ID] = d.DeepCopy()
}

func TestRegistry_RefreshCache(t *testing.T) {
	repo := NewMockRepository()
	repo.seed(testDevice("tv-1", "One"))
	repo.seed(testDevice("tv-2", "Two"))

	registry := NewRegistry(repo)
	if err := registry.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}

	if got := registry.GetDeviceCount(); got != 2 {
		t.Errorf("GetDeviceCount() = %d, want 2", got)
	}
}

func TestRegistry_GetDevice(t *testing.T) {
	repo := NewMockRepository()
	repo.seed(testDevice("tv-1", "One"))

	registry := NewRegistry(repo)
	ctx := context.Background()

	t.Run("uncached device fetched from repository", func(t *testing.T) {
		d, err := registry.GetDevice(ctx, "tv-1")
		if err != nil {
			t.Fatalf("GetDevice() error = %v", err)
		}
		if d.Name != "One" {
			t.Errorf("Name = %q, want One", d.Name)
		}
	})

	t.Run("returned copy is isolated from cache", func(t *testing.T) {
		d, _ := registry.GetDevice(ctx, "tv-1")
		d.Name = "Mutated"
		d.SensorData["power"] = 999

		again, _ := registry.GetDevice(ctx, "tv-1")
		if again.Name != "One" {
			t.Errorf("cache was mutated through returned copy")
		}
		if _, ok := again.SensorData["power"]; ok {
			t.Errorf("sensor map was mutated through returned copy")
		}
	})

	t.Run("missing device returns ErrDeviceNotFound", func(t *testing.T) {
		_, err := registry.GetDevice(ctx, "tv-missing")
		if !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("GetDevice() error = %v, want ErrDeviceNotFound", err)
		}
	})
}

func TestRegistry_CreateDevice(t *testing.T) {
	ctx := context.Background()

	t.Run("applies defaults", func(t *testing.T) {
		repo := NewMockRepository()
		registry := NewRegistry(repo)

		dev := &Device{Name: "Lobby Display", Location: "lobby", Model: "BravoVision X55"}
		if err := registry.CreateDevice(ctx, dev); err != nil {
			t.Fatalf("CreateDevice() error = %v", err)
		}

		if dev.ID == "" {
			t.Error("expected generated ID")
		}
		if dev.Status != StatusOffline {
			t.Errorf("Status = %q, want offline default", dev.Status)
		}
		if dev.HeartbeatInterval != DefaultHeartbeatInterval {
			t.Errorf("HeartbeatInterval = %d, want %d", dev.HeartbeatInterval, DefaultHeartbeatInterval)
		}
	})

	t.Run("configured default interval", func(t *testing.T) {
		repo := NewMockRepository()
		registry := NewRegistry(repo)
		registry.SetDefaultInterval(30)

		dev := &Device{Name: "Cafe Menu Board", Location: "cafe", Model: "BravoVision X55"}
		if err := registry.CreateDevice(ctx, dev); err != nil {
			t.Fatalf("CreateDevice() error = %v", err)
		}
		if dev.HeartbeatInterval != 30 {
			t.Errorf("HeartbeatInterval = %d, want configured 30", dev.HeartbeatInterval)
		}
	})

	t.Run("rejects invalid device", func(t *testing.T) {
		repo := NewMockRepository()
		registry := NewRegistry(repo)

		dev := &Device{Name: "", Location: "lobby", Model: "X"}
		err := registry.CreateDevice(ctx, dev)
		if !errors.Is(err, ErrInvalidName) {
			t.Errorf("CreateDevice() error = %v, want ErrInvalidName", err)
		}
	})

	t.Run("rejects id with topic separators", func(t *testing.T) {
		repo := NewMockRepository()
		registry := NewRegistry(repo)

		dev := &Device{ID: "tv/1", Name: "Bad", Location: "lobby", Model: "X"}
		err := registry.CreateDevice(ctx, dev)
		if !errors.Is(err, ErrInvalidDevice) {
			t.Errorf("CreateDevice() error = %v, want ErrInvalidDevice", err)
		}
	})

	t.Run("propagates repository error", func(t *testing.T) {
		repo := NewMockRepository()
		repo.createErr = ErrDeviceExists
		registry := NewRegistry(repo)

		dev := &Device{Name: "Dup", Location: "lobby", Model: "X"}
		if err := registry.CreateDevice(ctx, dev); !errors.Is(err, ErrDeviceExists) {
			t.Errorf("CreateDevice() error = %v, want ErrDeviceExists", err)
		}
	})
}

func TestRegistry_UpdateDevice(t *testing.T) {
	repo := NewMockRepository()
	repo.seed(testDevice("tv-1", "One"))

	registry := NewRegistry(repo)
	ctx := context.Background()

	dev, _ := registry.GetDevice(ctx, "tv-1")
	dev.Name = "Renamed"
	if err := registry.UpdateDevice(ctx, dev); err != nil {
		t.Fatalf("UpdateDevice() error = %v", err)
	}

	got, _ := registry.GetDevice(ctx, "tv-1")
	if got.Name != "Renamed" {
		t.Errorf("Name = %q, want Renamed", got.Name)
	}

	// A second update with the stale token must conflict.
	stale := dev.DeepCopy()
	stale.Version = 1
	stale.Name = "Stale Writer"
	if err := registry.UpdateDevice(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("UpdateDevice() stale error = %v, want ErrVersionConflict", err)
	}
}

func TestRegistry_UpdateDevice_RejectsZeroInterval(t *testing.T) {
	repo := NewMockRepository()
	seeded := testDevice("tv-1", "One")
	seeded.Status = StatusOnline
	beat := time.Now().UTC().Add(-time.Second)
	seeded.LastHeartbeat = &beat
	repo.seed(seeded)

	registry := NewRegistry(repo)
	ctx := context.Background()

	dev, _ := registry.GetDevice(ctx, "tv-1")
	dev.HeartbeatInterval = 0
	if err := registry.UpdateDevice(ctx, dev); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("UpdateDevice() error = %v, want ErrInvalidInterval", err)
	}

	// The interval keeps its staleness allowance: a device that reported a
	// second ago must not look demotable after the rejected update.
	got, _ := registry.GetDevice(ctx, "tv-1")
	if got.HeartbeatInterval != 60 {
		t.Errorf("HeartbeatInterval = %d, want 60 unchanged", got.HeartbeatInterval)
	}
	if got.IsStale(time.Now().UTC(), 2) {
		t.Error("IsStale() = true for a device that reported one second ago")
	}
}

func TestRegistry_DeleteDevice(t *testing.T) {
	repo := NewMockRepository()
	repo.seed(testDevice("tv-1", "One"))

	registry := NewRegistry(repo)
	ctx := context.Background()

	if err := registry.DeleteDevice(ctx, "tv-1"); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}
	if _, err := registry.GetDevice(ctx, "tv-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice() after delete error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_ApplyHeartbeat_CacheMovesForward(t *testing.T) {
	repo := NewMockRepository()
	repo.seed(testDevice("tv-1", "One"))

	registry := NewRegistry(repo)
	ctx := context.Background()
	if err := registry.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}

	ts := time.Now().UTC().Truncate(time.Second)
	updated, err := registry.ApplyHeartbeat(ctx, "tv-1", ts, StatusOnline, SensorData{"power": 42})
	if err != nil {
		t.Fatalf("ApplyHeartbeat() error = %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}

	cached, _ := registry.GetDevice(ctx, "tv-1")
	if cached.Status != StatusOnline {
		t.Errorf("cached Status = %q, want online", cached.Status)
	}
	if cached.SensorData["power"] != 42 {
		t.Errorf("cached SensorData[power] = %v, want 42", cached.SensorData["power"])
	}
}

func TestRegistry_SetStatus_InvalidStatus(t *testing.T) {
	repo := NewMockRepository()
	repo.seed(testDevice("tv-1", "One"))

	registry := NewRegistry(repo)
	_, err := registry.SetStatus(context.Background(), "tv-1", Status("rebooting"))
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("SetStatus() error = %v, want ErrInvalidStatus", err)
	}
}

func TestRegistry_GetDevicesByStatus(t *testing.T) {
	repo := NewMockRepository()
	on := testDevice("tv-on", "On")
	on.Status = StatusOnline
	repo.seed(on)
	repo.seed(testDevice("tv-off", "Off"))

	registry := NewRegistry(repo)
	ctx := context.Background()
	if err := registry.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}

	online, err := registry.GetDevicesByStatus(ctx, StatusOnline)
	if err != nil {
		t.Fatalf("GetDevicesByStatus() error = %v", err)
	}
	if len(online) != 1 || online[0].ID != "tv-on" {
		t.Errorf("GetDevicesByStatus(online) = %v, want [tv-on]", online)
	}
}

func TestRegistry_GetStats(t *testing.T) {
	repo := NewMockRepository()
	on := testDevice("tv-on", "On")
	on.Status = StatusOnline
	on.Location = "lobby"
	repo.seed(on)
	off := testDevice("tv-off", "Off")
	off.Location = "floor2"
	repo.seed(off)

	registry := NewRegistry(repo)
	if err := registry.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}

	stats := registry.GetStats()
	if stats.TotalDevices != 2 {
		t.Errorf("TotalDevices = %d, want 2", stats.TotalDevices)
	}
	if stats.ByStatus[StatusOnline] != 1 || stats.ByStatus[StatusOffline] != 1 {
		t.Errorf("ByStatus = %v, want online:1 offline:1", stats.ByStatus)
	}
	if stats.ByLocation["lobby"] != 1 {
		t.Errorf("ByLocation = %v, want lobby:1", stats.ByLocation)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	repo := NewMockRepository()
	repo.seed(testDevice("tv-1", "One"))

	registry := NewRegistry(repo)
	ctx := context.Background()
	if err := registry.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}

	var wg sync.WaitGroup
	start := time.Now().UTC()
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Mix of reads and heartbeat writes.
			if n%2 == 0 {
				_, _ = registry.GetDevice(ctx, "tv-1")
				return
			}
			ts := start.Add(time.Duration(n) * time.Second)
			_, _ = registry.ApplyHeartbeat(ctx, "tv-1", ts, StatusOnline, SensorData{"power": float64(n)})
		}(i)
	}
	wg.Wait()

	got, err := registry.GetDevice(ctx, "tv-1")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.Status != StatusOnline {
		t.Errorf("Status = %q, want online after heartbeats", got.Status)
	}
	if got.LastHeartbeat == nil {
		t.Fatal("LastHeartbeat is nil after heartbeats")
	}
}
