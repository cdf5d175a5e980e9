// Package mcp exposes the relay's REST API as Model Context Protocol tools.
//
// MCP Tools:
//   - list_devices: List every known device with its latest reading
//   - get_device: Get one device's state
//   - register_device: Create a device topic without a live connection
//   - push_reading: Record a reading and deliver it to observers
//   - relay_stats: Device, observer and connection counts
//
// Transport Modes:
//   - Stdio: the stdio-mcp command serves the tools to a local MCP client
//   - HTTP: the serve command mounts a streamable HTTP endpoint at /mcp
//
// Every tool is a thin proxy over HTTP, so the stdio process can run
// separately from the relay it talks to.
//
// Usage:
//
//	client := mcp.NewClient("http://localhost:3000", version)
//	server.ServeStdio(client.GetMCPServer())
package mcp
