package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/icaro258/iotv/internal/device"
	"github.com/icaro258/iotv/internal/infrastructure/mqtt"
)

// maxPayloadBytes caps heartbeat payloads. Devices send small JSON
// documents; anything larger is misbehaving firmware or an attack.
const maxPayloadBytes = 4096

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DeviceWriter is the slice of the device registry the heartbeat pipeline
// needs. *device.Registry satisfies it.
type DeviceWriter interface {
	GetDevice(ctx context.Context, id string) (*device.Device, error)
	GetDevicesByStatus(ctx context.Context, status device.Status) ([]device.Device, error)
	ApplyHeartbeat(ctx context.Context, id string, ts time.Time, status device.Status, readings device.SensorData) (*device.Device, error)
	DemoteIfFresh(ctx context.Context, id string, version int64) (*device.Device, error)
}

// Notifier receives device status and data changes for push delivery.
// The API layer's WebSocket hub satisfies it.
type Notifier interface {
	DeviceUpdated(d *device.Device, source string)
}

// MetricsSink receives sensor telemetry for time-series storage.
// The influxdb client satisfies it.
type MetricsSink interface {
	WriteSensorReading(deviceID string, field string, value float64, ts time.Time)
	WriteStatusTransition(deviceID string, status string, source string)
}

// Message is the heartbeat wire format.
//
// Devices publish this as JSON on iotv/{device_id}/heartbeat. The device ID
// normally comes from the topic; the payload field is a fallback for the
// HTTP ingest path.
type Message struct {
	DeviceID   string          `json:"device_id,omitempty"`
	Timestamp  *time.Time      `json:"timestamp,omitempty"`
	Status     string          `json:"status,omitempty"`
	SensorData *SensorReadings `json:"sensor_data,omitempty"`
}

// SensorReadings carries the optional sensor fields of a heartbeat.
// Pointers distinguish "not reported" from zero readings.
type SensorReadings struct {
	Current     *float64 `json:"current,omitempty"`
	Voltage     *float64 `json:"voltage,omitempty"`
	Power       *float64 `json:"power,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// ToSensorData converts the readings to the registry's map form,
// including only the fields the heartbeat actually carried.
func (s *SensorReadings) ToSensorData() device.SensorData {
	if s == nil {
		return nil
	}
	data := device.SensorData{}
	if s.Current != nil {
		data[device.SensorCurrent] = *s.Current
	}
	if s.Voltage != nil {
		data[device.SensorVoltage] = *s.Voltage
	}
	if s.Power != nil {
		data[device.SensorPower] = *s.Power
	}
	if s.Temperature != nil {
		data[device.SensorTemperature] = *s.Temperature
	}
	return data
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Ingestor consumes heartbeat messages and applies them to the registry.
//
// It is transport-agnostic: HandleMessage plugs into the MQTT client as a
// subscription handler, and Ingest serves the HTTP fallback path. Both
// converge on the same pipeline: parse, resolve, apply, fan out.
type Ingestor struct {
	devices  DeviceWriter
	notifier Notifier
	metrics  MetricsSink
	logger   Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewIngestor creates a heartbeat ingestor.
// notifier and metrics may be nil; those fan-out steps are skipped.
func NewIngestor(devices DeviceWriter, notifier Notifier, metrics MetricsSink) *Ingestor {
	return &Ingestor{
		devices:  devices,
		notifier: notifier,
		metrics:  metrics,
		logger:   noopLogger{},
		now:      time.Now,
	}
}

// SetLogger sets the logger for the ingestor.
func (i *Ingestor) SetLogger(logger Logger) {
	i.logger = logger
}

// SetNotifier sets the notifier for accepted heartbeats. Call before
// Subscribe; the ingestor does not lock around it.
func (i *Ingestor) SetNotifier(notifier Notifier) {
	i.notifier = notifier
}

// Subscribe registers the ingestor on the MQTT client for all device
// heartbeat topics.
func (i *Ingestor) Subscribe(client *mqtt.Client, qos byte) error {
	if err := client.Subscribe(mqtt.Topics{}.AllHeartbeats(), qos, i.HandleMessage); err != nil {
		return fmt.Errorf("subscribing to heartbeats: %w", err)
	}
	return nil
}

// HandleMessage is the MQTT subscription handler for heartbeat topics.
//
// A heartbeat that fails here is logged and dropped; the transport never
// sees an error that would disturb other messages on the wildcard.
func (i *Ingestor) HandleMessage(topic string, payload []byte) error {
	msg, err := parseMessage(payload)
	if err != nil {
		i.logger.Warn("dropping malformed heartbeat", "topic", topic, "error", err)
		return err
	}

	// The topic segment is authoritative when present.
	if id := mqtt.DeviceIDFromTopic(topic); id != "" {
		msg.DeviceID = id
	}

	_, err = i.Ingest(context.Background(), msg)
	return err
}

// Ingest applies a single heartbeat observation.
//
// Pipeline:
//  1. Resolve the device; unknown devices are logged and dropped.
//  2. Apply the observation through the registry's guarded write. A
//     duplicate or out-of-order timestamp loses there and changes nothing.
//  3. Fan out: telemetry to the metrics sink, updated device to the notifier.
//
// Returns the refreshed device on success. A rejected heartbeat returns
// the registry's sentinel error; callers that don't care (MQTT path)
// just log it.
func (i *Ingestor) Ingest(ctx context.Context, msg *Message) (*device.Device, error) {
	if msg == nil {
		return nil, ErrMalformedPayload
	}
	if msg.DeviceID == "" {
		i.logger.Warn("dropping heartbeat without device id")
		return nil, ErrMissingDeviceID
	}

	ts := i.now().UTC()
	if msg.Timestamp != nil {
		ts = msg.Timestamp.UTC()
	}

	status := device.StatusOnline
	if msg.Status != "" {
		status = device.Status(msg.Status)
		if !status.IsValid() {
			i.logger.Warn("dropping heartbeat with unknown status",
				"device_id", msg.DeviceID, "status", msg.Status)
			return nil, fmt.Errorf("%w: status %q", ErrMalformedPayload, msg.Status)
		}
	}

	readings := msg.SensorData.ToSensorData()

	updated, err := i.devices.ApplyHeartbeat(ctx, msg.DeviceID, ts, status, readings)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			i.logger.Warn("dropping heartbeat for unknown device", "device_id", msg.DeviceID)
		case errors.Is(err, device.ErrStaleHeartbeat):
			i.logger.Debug("ignoring stale heartbeat",
				"device_id", msg.DeviceID, "timestamp", ts)
		default:
			i.logger.Error("applying heartbeat failed",
				"device_id", msg.DeviceID, "error", err)
		}
		return nil, err
	}

	i.fanOut(updated, readings, ts)

	return updated, nil
}

// fanOut pushes the accepted heartbeat to the metrics sink and notifier.
func (i *Ingestor) fanOut(d *device.Device, readings device.SensorData, ts time.Time) {
	if i.metrics != nil {
		for field, value := range readings {
			i.metrics.WriteSensorReading(d.ID, field, value, ts)
		}
		i.metrics.WriteStatusTransition(d.ID, string(d.Status), "heartbeat")
	}

	if i.notifier != nil {
		i.notifier.DeviceUpdated(d, "heartbeat")
	}
}

// parseMessage decodes and size-checks a heartbeat payload.
func parseMessage(payload []byte) (*Message, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	if len(payload) > maxPayloadBytes {
		return nil, fmt.Errorf("%w: payload size %d exceeds %d bytes",
			ErrMalformedPayload, len(payload), maxPayloadBytes)
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return &msg, nil
}
