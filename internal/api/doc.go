// Package api implements the HTTP facade and telemetry WebSocket for megbridge.
//
// This package provides:
//   - Device listing (raw vendor records), normalised status and stored telemetry
//   - Manual on/off control, which shares the bridge command path with the inbox
//   - Registry reload and the command audit trail
//   - Health, Prometheus metrics and a WebSocket feed of telemetry events
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Security
//
// When a JWT secret is configured, POST routes require an HS256 bearer
// token. Read-only routes and the WebSocket feed stay open.
//
// # Errors
//
// Every error response is {"error": message}. Vendor and store failures
// are 500, malformed input is 400 and a missing or bad token is 401.
//
// The server follows the same lifecycle pattern as other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
