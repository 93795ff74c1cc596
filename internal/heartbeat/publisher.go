package heartbeat

import (
	"encoding/json"
	"time"

	"github.com/icaro258/iotv/internal/device"
	"github.com/icaro258/iotv/internal/infrastructure/mqtt"
)

// RetainedPublisher is the slice of the MQTT client the status publisher
// needs. *mqtt.Client satisfies it.
type RetainedPublisher interface {
	PublishRetained(topic string, payload []byte) error
}

// StatusPublisher mirrors device status changes onto iotv/{id}/status as
// retained messages, so late subscribers see the last known status without
// querying the API.
//
// It implements Notifier and is usually fanned alongside the WebSocket hub
// via MultiNotifier.
type StatusPublisher struct {
	pub    RetainedPublisher
	logger Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewStatusPublisher creates a status publisher on the given MQTT client.
func NewStatusPublisher(pub RetainedPublisher) *StatusPublisher {
	return &StatusPublisher{
		pub:    pub,
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger for the publisher.
func (p *StatusPublisher) SetLogger(logger Logger) {
	p.logger = logger
}

// statusMessage is the retained payload on iotv/{id}/status.
type statusMessage struct {
	DeviceID  string `json:"device_id"`
	Status    string `json:"status"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
}

// DeviceUpdated publishes the device's current status. Publish failures are
// logged and swallowed; status mirroring must never stall the heartbeat or
// sweep paths.
func (p *StatusPublisher) DeviceUpdated(d *device.Device, source string) {
	payload, err := json.Marshal(statusMessage{
		DeviceID:  d.ID,
		Status:    string(d.Status),
		Source:    source,
		Timestamp: p.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.logger.Error("marshalling status message", "device_id", d.ID, "error", err)
		return
	}

	topic := mqtt.Topics{}.DeviceStatus(d.ID)
	if err := p.pub.PublishRetained(topic, payload); err != nil {
		p.logger.Warn("retained status publish failed",
			"device_id", d.ID, "topic", topic, "error", err)
	}
}

// MultiNotifier fans a device update out to each notifier in order.
// Nil entries are skipped.
type MultiNotifier []Notifier

// DeviceUpdated implements Notifier.
func (m MultiNotifier) DeviceUpdated(d *device.Device, source string) {
	for _, n := range m {
		if n != nil {
			n.DeviceUpdated(d, source)
		}
	}
}
