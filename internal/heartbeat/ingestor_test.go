package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/icaro258/iotv/internal/device"
)

// fakeDevices is an in-memory DeviceWriter with the same guard semantics
// as the SQLite repository.
type fakeDevices struct {
	mu      sync.Mutex
	devices map[string]*device.Device
}

func newFakeDevices(devs ...*device.Device) *fakeDevices {
	f := &fakeDevices{devices: make(map[string]*device.Device)}
	for _, d := range devs {
		if d.Version == 0 {
			d.Version = 1
		}
		f.devices[d.ID] = d.DeepCopy()
	}
	return f
}

func (f *fakeDevices) GetDevice(_ context.Context, id string) (*device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[id]; ok {
		return d.DeepCopy(), nil
	}
	return nil, device.ErrDeviceNotFound
}

func (f *fakeDevices) GetDevicesByStatus(_ context.Context, status device.Status) ([]device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []device.Device
	for _, d := range f.devices {
		if d.Status == status {
			out = append(out, *d.DeepCopy())
		}
	}
	return out, nil
}

func (f *fakeDevices) ApplyHeartbeat(_ context.Context, id string, ts time.Time, status device.Status, readings device.SensorData) (*device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	if d.LastHeartbeat != nil && !d.LastHeartbeat.Before(ts) {
		return nil, device.ErrStaleHeartbeat
	}
	tsUTC := ts.UTC()
	d.Status = status
	d.LastHeartbeat = &tsUTC
	if d.SensorData == nil {
		d.SensorData = device.SensorData{}
	}
	for k, v := range readings {
		d.SensorData[k] = v
	}
	d.Version++
	return d.DeepCopy(), nil
}

func (f *fakeDevices) DemoteIfFresh(_ context.Context, id string, version int64) (*device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	if d.Status != device.StatusOnline || d.Version != version {
		return nil, device.ErrVersionConflict
	}
	d.Status = device.StatusOffline
	d.Version++
	return d.DeepCopy(), nil
}

// recordingNotifier captures DeviceUpdated calls.
type recordingNotifier struct {
	mu      sync.Mutex
	updates []string // "deviceID/source"
}

func (r *recordingNotifier) DeviceUpdated(d *device.Device, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, d.ID+"/"+source)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

// recordingSink captures telemetry writes.
type recordingSink struct {
	mu          sync.Mutex
	readings    map[string]float64 // "deviceID/field" -> value
	readingTS   map[string]time.Time
	transitions []string // "deviceID/status/source"
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		readings:  make(map[string]float64),
		readingTS: make(map[string]time.Time),
	}
}

func (r *recordingSink) WriteSensorReading(deviceID, field string, value float64, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings[deviceID+"/"+field] = value
	r.readingTS[deviceID+"/"+field] = ts
}

func (r *recordingSink) WriteStatusTransition(deviceID, status, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, deviceID+"/"+status+"/"+source)
}

func f64(v float64) *float64 { return &v }

func onlineTV(id string, interval int, lastBeat *time.Time) *device.Device {
	return &device.Device{
		ID:                id,
		Name:              id,
		Location:          "lobby",
		Model:             "BravoVision X55",
		Status:            device.StatusOnline,
		HeartbeatInterval: interval,
		LastHeartbeat:     lastBeat,
		Version:           1,
	}
}

func offlineTV(id string, interval int) *device.Device {
	d := onlineTV(id, interval, nil)
	d.Status = device.StatusOffline
	return d
}

func TestIngestor_Ingest(t *testing.T) {
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("accepted heartbeat updates device and fans out", func(t *testing.T) {
		devs := newFakeDevices(offlineTV("tv-1", 60))
		notifier := &recordingNotifier{}
		sink := newRecordingSink()
		ing := NewIngestor(devs, notifier, sink)

		updated, err := ing.Ingest(ctx, &Message{
			DeviceID:   "tv-1",
			Timestamp:  &base,
			SensorData: &SensorReadings{Power: f64(87.5), Temperature: f64(41.2)},
		})
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
		if updated.Status != device.StatusOnline {
			t.Errorf("Status = %q, want online", updated.Status)
		}
		if !updated.LastHeartbeat.Equal(base) {
			t.Errorf("LastHeartbeat = %v, want %v", updated.LastHeartbeat, base)
		}
		if sink.readings["tv-1/power"] != 87.5 {
			t.Errorf("sink power = %v, want 87.5", sink.readings["tv-1/power"])
		}
		if sink.readings["tv-1/temperature"] != 41.2 {
			t.Errorf("sink temperature = %v, want 41.2", sink.readings["tv-1/temperature"])
		}
		if !sink.readingTS["tv-1/power"].Equal(base) {
			t.Errorf("sink power timestamp = %v, want heartbeat time %v", sink.readingTS["tv-1/power"], base)
		}
		if notifier.count() != 1 {
			t.Errorf("notifier updates = %d, want 1", notifier.count())
		}
	})

	t.Run("duplicate delivery is idempotent", func(t *testing.T) {
		devs := newFakeDevices(offlineTV("tv-1", 60))
		ing := NewIngestor(devs, nil, nil)

		msg := &Message{DeviceID: "tv-1", Timestamp: &base}
		if _, err := ing.Ingest(ctx, msg); err != nil {
			t.Fatalf("first Ingest() error = %v", err)
		}

		_, err := ing.Ingest(ctx, msg)
		if !errors.Is(err, device.ErrStaleHeartbeat) {
			t.Errorf("second Ingest() error = %v, want ErrStaleHeartbeat", err)
		}

		d, _ := devs.GetDevice(ctx, "tv-1")
		if d.Version != 2 {
			t.Errorf("Version = %d, want 2 (one write)", d.Version)
		}
	})

	t.Run("out of order delivery keeps newest timestamp", func(t *testing.T) {
		devs := newFakeDevices(offlineTV("tv-1", 60))
		ing := NewIngestor(devs, nil, nil)

		t10 := base.Add(10 * time.Second)
		t5 := base.Add(5 * time.Second)

		if _, err := ing.Ingest(ctx, &Message{DeviceID: "tv-1", Timestamp: &t10}); err != nil {
			t.Fatalf("Ingest(t=10) error = %v", err)
		}
		if _, err := ing.Ingest(ctx, &Message{DeviceID: "tv-1", Timestamp: &t5}); !errors.Is(err, device.ErrStaleHeartbeat) {
			t.Fatalf("Ingest(t=5) error = %v, want ErrStaleHeartbeat", err)
		}

		d, _ := devs.GetDevice(ctx, "tv-1")
		if !d.LastHeartbeat.Equal(t10) {
			t.Errorf("LastHeartbeat = %v, want %v", d.LastHeartbeat, t10)
		}
	})

	t.Run("unknown device dropped", func(t *testing.T) {
		devs := newFakeDevices()
		notifier := &recordingNotifier{}
		ing := NewIngestor(devs, notifier, nil)

		_, err := ing.Ingest(ctx, &Message{DeviceID: "tv-ghost", Timestamp: &base})
		if !errors.Is(err, device.ErrDeviceNotFound) {
			t.Errorf("Ingest() error = %v, want ErrDeviceNotFound", err)
		}
		if notifier.count() != 0 {
			t.Errorf("notifier updates = %d, want 0 for dropped heartbeat", notifier.count())
		}
	})

	t.Run("missing timestamp defaults to now", func(t *testing.T) {
		devs := newFakeDevices(offlineTV("tv-1", 60))
		ing := NewIngestor(devs, nil, nil)
		ing.now = func() time.Time { return base }

		updated, err := ing.Ingest(ctx, &Message{DeviceID: "tv-1"})
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
		if !updated.LastHeartbeat.Equal(base) {
			t.Errorf("LastHeartbeat = %v, want injected now %v", updated.LastHeartbeat, base)
		}
	})

	t.Run("shutdown status marks offline", func(t *testing.T) {
		lastBeat := base
		devs := newFakeDevices(onlineTV("tv-1", 60, &lastBeat))
		ing := NewIngestor(devs, nil, nil)

		ts := base.Add(30 * time.Second)
		updated, err := ing.Ingest(ctx, &Message{DeviceID: "tv-1", Timestamp: &ts, Status: "offline"})
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
		if updated.Status != device.StatusOffline {
			t.Errorf("Status = %q, want offline", updated.Status)
		}
		if !updated.LastHeartbeat.Equal(ts) {
			t.Errorf("LastHeartbeat = %v, want advanced to %v", updated.LastHeartbeat, ts)
		}
	})

	t.Run("unknown status rejected", func(t *testing.T) {
		devs := newFakeDevices(offlineTV("tv-1", 60))
		ing := NewIngestor(devs, nil, nil)

		_, err := ing.Ingest(ctx, &Message{DeviceID: "tv-1", Status: "rebooting"})
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("Ingest() error = %v, want ErrMalformedPayload", err)
		}
	})

	t.Run("missing device id rejected", func(t *testing.T) {
		ing := NewIngestor(newFakeDevices(), nil, nil)
		_, err := ing.Ingest(ctx, &Message{})
		if !errors.Is(err, ErrMissingDeviceID) {
			t.Errorf("Ingest() error = %v, want ErrMissingDeviceID", err)
		}
	})

	t.Run("partial sensor data merges", func(t *testing.T) {
		devs := newFakeDevices(offlineTV("tv-1", 60))
		ing := NewIngestor(devs, nil, nil)

		t1 := base
		t2 := base.Add(60 * time.Second)
		if _, err := ing.Ingest(ctx, &Message{DeviceID: "tv-1", Timestamp: &t1,
			SensorData: &SensorReadings{Power: f64(80)}}); err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
		updated, err := ing.Ingest(ctx, &Message{DeviceID: "tv-1", Timestamp: &t2,
			SensorData: &SensorReadings{Temperature: f64(40)}})
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}

		if updated.SensorData[device.SensorPower] != 80 {
			t.Errorf("power = %v, want 80 preserved across merge", updated.SensorData[device.SensorPower])
		}
		if updated.SensorData[device.SensorTemperature] != 40 {
			t.Errorf("temperature = %v, want 40", updated.SensorData[device.SensorTemperature])
		}
	})
}

func TestIngestor_HandleMessage(t *testing.T) {
	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	t.Run("topic device id wins over payload", func(t *testing.T) {
		devs := newFakeDevices(offlineTV("tv-topic", 60))
		ing := NewIngestor(devs, nil, nil)
		ing.now = func() time.Time { return base }

		err := ing.HandleMessage("iotv/tv-topic/heartbeat", []byte(`{"device_id":"tv-payload"}`))
		if err != nil {
			t.Fatalf("HandleMessage() error = %v", err)
		}

		d, _ := devs.GetDevice(context.Background(), "tv-topic")
		if d.Status != device.StatusOnline {
			t.Errorf("Status = %q, want online", d.Status)
		}
	})

	t.Run("malformed json rejected", func(t *testing.T) {
		ing := NewIngestor(newFakeDevices(), nil, nil)
		err := ing.HandleMessage("iotv/tv-1/heartbeat", []byte(`{not json`))
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("HandleMessage() error = %v, want ErrMalformedPayload", err)
		}
	})

	t.Run("empty payload rejected", func(t *testing.T) {
		ing := NewIngestor(newFakeDevices(), nil, nil)
		err := ing.HandleMessage("iotv/tv-1/heartbeat", nil)
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("HandleMessage() error = %v, want ErrMalformedPayload", err)
		}
	})

	t.Run("oversized payload rejected", func(t *testing.T) {
		ing := NewIngestor(newFakeDevices(), nil, nil)
		big := make([]byte, maxPayloadBytes+1)
		for i := range big {
			big[i] = 'a'
		}
		err := ing.HandleMessage("iotv/tv-1/heartbeat", big)
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("HandleMessage() error = %v, want ErrMalformedPayload", err)
		}
	})
}

func TestSensorReadings_ToSensorData(t *testing.T) {
	var nilReadings *SensorReadings
	if nilReadings.ToSensorData() != nil {
		t.Error("nil readings should convert to nil map")
	}

	readings := &SensorReadings{Power: f64(0), Voltage: f64(230.1)}
	data := readings.ToSensorData()
	if len(data) != 2 {
		t.Fatalf("got %d fields, want 2", len(data))
	}
	// A reported zero is a real reading, not an absence.
	if v, ok := data[device.SensorPower]; !ok || v != 0 {
		t.Errorf("power = %v (present=%v), want 0 present", v, ok)
	}
	if _, ok := data[device.SensorTemperature]; ok {
		t.Error("temperature should be absent")
	}
}
