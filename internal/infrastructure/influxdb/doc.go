// Package influxdb stores fleet telemetry in InfluxDB v2: sensor
// readings carried on heartbeats, status transition history and
// monitor operational metrics.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteSensorReading("tv-lobby-01", "power", 87.5, beat)
//
// Writes are non-blocking and batched per the batch_size and
// flush_interval settings in config.yaml; batch failures surface
// through the SetOnError callback. All methods are safe for concurrent
// use.
package influxdb
