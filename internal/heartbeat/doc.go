// Package heartbeat implements the liveness pipeline for the iotv fleet.
//
// Two components share this package:
//
//   - Ingestor: consumes heartbeat messages (MQTT subscription or HTTP
//     fallback), applies them to the device registry with duplicate and
//     out-of-order protection, and fans accepted observations out to the
//     telemetry sink and the WebSocket notifier.
//
//   - Sweeper: periodically demotes online devices whose heartbeats have
//     gone quiet for longer than their grace allowance. Demotions are
//     guarded by the device version token, so a heartbeat that lands
//     mid-sweep always wins.
//
// # Data flow
//
//	MQTT iotv/+/heartbeat ─┐
//	                       ├─▶ Ingestor ─▶ Registry ─▶ InfluxDB / WebSocket
//	HTTP POST /heartbeats ─┘                  ▲
//	                                          │
//	                 Sweeper (ticker) ────────┘
//
// # Liveness rules
//
// A device is stale when it has no recorded heartbeat at all, or when
// now - last_heartbeat exceeds heartbeat_interval * grace_multiplier.
// Demotion changes only the status; last_heartbeat is left as evidence
// of when the device was last actually heard from.
package heartbeat
