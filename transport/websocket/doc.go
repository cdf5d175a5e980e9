// Package websocket provides the bidirectional transport for sensors and
// observers.
//
// The package implements:
//   - Connection identity (a random ID per connection)
//   - Non-blocking delivery with a bounded send buffer per connection
//   - Per-connection rate limiting of inbound events
//   - Transport pings and application heartbeats
//
// Architecture:
//
// A central Hub owns all connections. Each connection has a read pump that
// decodes inbound frames and hands them to an EventHandler one at a time,
// and a write pump that drains the send buffer. A connection whose buffer
// fills up is closed rather than allowed to stall the sender.
//
// Message Protocol:
//
// Every frame is one JSON object:
//   - Incoming: {"event": "temperature_data", "data": {"temperature": 21.5}}
//   - Outgoing: {"event": "temperature_update", "data": {...}}
//
// Usage:
//
//	hub := websocket.NewHub(websocket.Options{}, logger)
//	go hub.Run(ctx)
//
//	r := relay.New(registry, table, hub, broadcaster, logger)
//	router.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
//		hub.ServeWS(w, req, r)
//	})
//
// Connection Lifecycle:
//
// 1. Client connects and is assigned an ID
// 2. Client registers as a device or observer
// 3. Events flow until the socket closes or errors
// 4. The handler is told about the disconnect and the client is dropped
package websocket
