// Package device provides the Device Registry for the iotv fleet monitor.
//
// The Device Registry is the central catalogue of every television in the
// monitored fleet. It manages device lifecycle, liveness status, and the
// latest sensor snapshot, and provides query operations for the REST API,
// the heartbeat ingestor, and the staleness sweeper.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────────────┐
//	│                          Device Registry                                 │
//	│                                                                          │
//	│  ┌──────────────────┐    ┌──────────────────┐    ┌──────────────────┐   │
//	│  │     Registry     │    │    Repository    │    │    Validation    │   │
//	│  │   (registry.go)  │───▶│  (repository.go) │    │ (validation.go)  │   │
//	│  │                  │    │                  │    │                  │   │
//	│  │ • CRUD ops       │    │ • SQLite queries │    │ • Device checks  │   │
//	│  │ • In-memory cache│    │ • Guarded writes │    │ • MAC / interval │   │
//	│  │ • Thread safety  │    │ • JSON merge     │    │ • ID generation  │   │
//	│  └──────────────────┘    └──────────────────┘    └──────────────────┘   │
//	│           │                       │                                      │
//	└───────────│───────────────────────│──────────────────────────────────────┘
//	            │                       │
//	            ▼                       ▼
//	┌──────────────────────┐   ┌──────────────────────┐
//	│   REST API / MQTT    │   │   SQLite Database    │
//	│  • GET /devices      │   │   (devices table)    │
//	│  • heartbeat ingest  │   └──────────────────────┘
//	│  • staleness sweep   │
//	└──────────────────────┘
//
// # Concurrency Model
//
// Heartbeats and the sweeper race for the same rows. Every row carries a
// version counter that increments on each write; writers that must not
// clobber concurrent progress (registry updates, sweep demotions) carry
// the version they read and only land if it still matches. Losers get
// ErrVersionConflict and re-read.
//
// Heartbeats use a different guard: the write only lands if the incoming
// timestamp is strictly newer than the stored last_heartbeat, which makes
// redelivered and out-of-order heartbeats harmless.
//
// # Usage
//
//	// Create repository and registry
//	repo := device.NewSQLiteRepository(db)
//	registry := device.NewRegistry(repo)
//	registry.SetLogger(log)
//
//	// Load devices into cache on startup
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	// Register a new device
//	dev := &device.Device{
//	    Name:     "Lobby Display",
//	    Location: "lobby",
//	    Model:    "BravoVision X55",
//	}
//	if err := registry.CreateDevice(ctx, dev); err != nil {
//	    return err
//	}
//
//	// Record a heartbeat
//	updated, err := registry.ApplyHeartbeat(ctx, dev.ID, time.Now(),
//	    device.StatusOnline, device.SensorData{"power": 87.5})
//
// # Thread Safety
//
// The Registry is safe for concurrent use. All operations are protected by
// a read-write mutex. The Repository implementation must also be thread-safe.
package device
