package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wricardo/sensor-relay/iot/topic"
)

// Client is a thin MCP client that proxies to the REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the REST API
func NewClient(baseURL, version string) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	c.initMCPServer(version)
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer(version string) {
	c.mcpServer = server.NewMCPServer(
		"Sensor Relay",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions(`Sensor Relay - MCP Interface

This is a thin client that proxies all requests to the relay's REST API.

Devices publish temperature and humidity readings to a topic named after the
device. Observers watching that topic receive every reading live.

AVAILABLE TOOLS:
- list_devices: List every known device with its latest reading
- get_device: Get one device's state
- register_device: Create a device topic without a live connection
- push_reading: Record a reading and deliver it to the device's observers
- relay_stats: Device, observer and connection counts`),
	)

	c.registerTools()
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_devices",
		Description: "List all known devices in creation order",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleListDevices)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "get_device",
		Description: "Get the current state of one device",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"device_name": map[string]interface{}{
					"type":        "string",
					"description": "Name of the device",
				},
			},
			Required: []string{"device_name"},
		},
	}, c.handleGetDevice)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "register_device",
		Description: "Register a device name, or return it if it already exists",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"device_name": map[string]interface{}{
					"type":        "string",
					"description": "Name of the device",
				},
			},
			Required: []string{"device_name"},
		},
	}, c.handleRegisterDevice)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "push_reading",
		Description: "Record a temperature reading for a device and deliver it to its observers",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"device_name": map[string]interface{}{
					"type":        "string",
					"description": "Name of the device",
				},
				"temperature": map[string]interface{}{
					"type":        "number",
					"description": "Temperature in degrees Celsius",
				},
				"humidity": map[string]interface{}{
					"type":        "number",
					"description": "Relative humidity in percent (optional)",
				},
			},
			Required: []string{"device_name", "temperature"},
		},
	}, c.handlePushReading)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "relay_stats",
		Description: "Get device, observer and connection counts",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleRelayStats)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// Helper methods for API calls

func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		if msg, ok := errResp["error"]; ok {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

func arguments(request mcp.CallToolRequest) map[string]interface{} {
	args, _ := request.Params.Arguments.(map[string]interface{})
	if args == nil {
		return map[string]interface{}{}
	}
	return args
}

// Tool handlers

func (c *Client) handleListDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var resp struct {
		Count   int           `json:"count"`
		Devices []topic.Topic `json:"devices"`
	}
	if err := c.apiCall(ctx, "GET", "/api/devices", nil, &resp); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if len(resp.Devices) == 0 {
		return mcp.NewToolResultText("No devices registered"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d device(s):\n", resp.Count)
	for _, t := range resp.Devices {
		b.WriteString("- ")
		b.WriteString(formatDeviceLine(t))
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (c *Client) handleGetDevice(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, _ := arguments(request)["device_name"].(string)
	if name == "" {
		return mcp.NewToolResultError("device_name is required"), nil
	}

	var t topic.Topic
	if err := c.apiCall(ctx, "GET", "/api/devices/"+url.PathEscape(name), nil, &t); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(formatDevice(t)), nil
}

func (c *Client) handleRegisterDevice(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, _ := arguments(request)["device_name"].(string)

	var resp struct {
		Device topic.Topic `json:"device"`
	}
	if err := c.apiCall(ctx, "POST", "/api/devices", map[string]string{"deviceName": name}, &resp); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("Registered " + formatDevice(resp.Device)), nil
}

func (c *Client) handlePushReading(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	name, _ := args["device_name"].(string)

	body := map[string]interface{}{"deviceName": name}
	if temp, ok := args["temperature"].(float64); ok {
		body["temperature"] = temp
	}
	if hum, ok := args["humidity"].(float64); ok {
		body["humidity"] = hum
	}

	var resp struct {
		Device topic.Topic `json:"device"`
	}
	if err := c.apiCall(ctx, "POST", "/api/data", body, &resp); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("✓ Reading delivered\n" + formatDevice(resp.Device)), nil
}

func (c *Client) handleRelayStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var stats struct {
		TotalDevices      int `json:"totalDevices"`
		OnlineDevices     int `json:"onlineDevices"`
		Observers         int `json:"observers"`
		DeviceSessions    int `json:"deviceSessions"`
		StreamSubscribers int `json:"streamSubscribers"`
		Connections       int `json:"connections"`
	}
	if err := c.apiCall(ctx, "GET", "/api/stats", nil, &stats); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	text := fmt.Sprintf("Devices: %d (%d online)\nObservers: %d\nDevice sessions: %d\nStream subscribers: %d\nConnections: %d",
		stats.TotalDevices, stats.OnlineDevices, stats.Observers, stats.DeviceSessions, stats.StreamSubscribers, stats.Connections)
	return mcp.NewToolResultText(text), nil
}

// Formatting helpers

func formatDeviceLine(t topic.Topic) string {
	status := "offline"
	if t.IsOnline {
		status = "online"
	}
	line := fmt.Sprintf("%s [%s]", t.Name, status)
	if t.LastTelemetry != nil {
		line += fmt.Sprintf(" %.1f°C", t.LastTelemetry.Temperature)
		if t.LastTelemetry.Humidity != nil {
			line += fmt.Sprintf(" %.0f%%", *t.LastTelemetry.Humidity)
		}
	}
	return line
}

func formatDevice(t topic.Topic) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Device: %s\n", t.Name)
	if t.DeviceType != "" {
		fmt.Fprintf(&b, "Type: %s\n", t.DeviceType)
	}
	if t.IsOnline {
		b.WriteString("Status: 🟢 online\n")
	} else {
		b.WriteString("Status: ⚫ offline\n")
	}
	if t.LastTelemetry != nil {
		fmt.Fprintf(&b, "Temperature: %.1f°C\n", t.LastTelemetry.Temperature)
		if t.LastTelemetry.Humidity != nil {
			fmt.Fprintf(&b, "Humidity: %.0f%%\n", *t.LastTelemetry.Humidity)
		}
		fmt.Fprintf(&b, "Observed: %s\n", t.LastTelemetry.ObservedAt.Format(time.RFC3339))
	} else {
		b.WriteString("Temperature: no readings yet\n")
	}
	led := "off"
	if t.ActuatorState {
		led = "on"
	}
	fmt.Fprintf(&b, "LED: %s", led)
	if !t.LastSeenAt.IsZero() {
		fmt.Fprintf(&b, "\nLast seen: %s", t.LastSeenAt.Format(time.RFC3339))
	}
	return b.String()
}
