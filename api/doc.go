// Package api provides the HTTP surface of the sensor relay.
//
// Endpoints:
//
// Health:
//   - GET /health - Status, version and uptime
//
// Devices:
//   - POST /api/devices - Register a device name or fetch the existing topic
//   - GET /api/devices - List all topics in creation order
//   - GET /api/devices/{name} - Get one topic
//
// Telemetry:
//   - POST /api/data - Push one reading; observers receive it as a
//     temperature_update exactly like a live report
//
// Monitoring:
//   - GET /api/stats - Topic, session, connection and stream counts
//
// Streams:
//   - GET /ws - Bidirectional WebSocket for devices and observers
//   - GET /api/stream?deviceName=X - Server-sent events for one topic
//
// Errors are returned as {"error": "message"} with a 4xx or 5xx status.
// Every response carries an X-Request-ID header.
package api
