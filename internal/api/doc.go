// Package api provides the HTTP REST API and WebSocket server for the
// iotv fleet monitor.
//
// It exposes the device registry, heartbeat ingestion, power commands, and
// real-time status updates to operator dashboards.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
