package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteSensorReading records one telemetry reading carried on a
// heartbeat. The point lands at the heartbeat's own timestamp, which
// may lag delivery. Batched and sent asynchronously.
func (c *Client) WriteSensorReading(deviceID string, field string, value float64, ts time.Time) {
	c.WritePointWithTime(
		"sensor_readings",
		map[string]string{
			"device_id": deviceID,
			"field":     field,
		},
		map[string]interface{}{
			"value": value,
		},
		ts,
	)
}

// WriteStatusTransition records a status change for charting fleet
// availability. source is what caused the change: "heartbeat", "sweep"
// or "operator".
func (c *Client) WriteStatusTransition(deviceID string, status string, source string) {
	c.WritePoint(
		"status_transitions",
		map[string]string{
			"device_id": deviceID,
			"source":    source,
		},
		map[string]interface{}{
			"status": status,
		},
	)
}

// WritePoint writes a point stamped now. Keep tags low cardinality.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a point at an explicit timestamp, for data
// that was measured earlier than it arrived.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
