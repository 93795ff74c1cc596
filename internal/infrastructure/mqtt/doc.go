// Package mqtt is the monitor's transport to the device fleet. Devices
// publish heartbeats under their own ID; the monitor subscribes with a
// wildcard and publishes power commands and retained status mirrors
// back. The connection auto-reconnects with backoff and carries an LWT
// so the broker announces the monitor's own death.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllHeartbeats(), 1,
//	    func(topic string, payload []byte) error {
//	        log.Printf("received: %s = %s", topic, payload)
//	        return nil
//	    })
//
//	topic := mqtt.Topics{}.DeviceCommand("tv-lobby-01")
//	client.Publish(topic, []byte(`{"action":"on"}`), 1, false)
//
// TLS is switched on with cfg.Broker.TLS; anonymous access is for
// local development only.
package mqtt
