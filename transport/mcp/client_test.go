package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/wricardo/sensor-relay/iot/topic"
)

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil || len(result.Content) == 0 {
		t.Fatal("Expected result content")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatal("Expected text content in result")
	}
	return text.Text
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:3000/", "1.0.0")

	if client.baseURL != "http://localhost:3000" {
		t.Errorf("Expected trailing slash trimmed, got %s", client.baseURL)
	}
	if client.httpClient == nil {
		t.Error("Expected HTTP client to be initialized")
	}
	if client.GetMCPServer() == nil {
		t.Error("Expected MCP server to be initialized")
	}
}

func TestClient_apiCall_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test")
	err := client.apiCall(context.Background(), "GET", "/api/stats", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "API error") {
		t.Errorf("Expected 'API error', got: %v", err)
	}
}

func TestClient_apiCall_ErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "Device not found"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test")
	result, err := client.handleGetDevice(context.Background(), callRequest("get_device", map[string]interface{}{"device_name": "ghost"}))
	if err != nil {
		t.Fatalf("Handler returned error: %v", err)
	}
	if !result.IsError {
		t.Error("Expected an error result")
	}
	if text := resultText(t, result); text != "Device not found" {
		t.Errorf("Expected API message, got %q", text)
	}
}

func TestClient_apiCall_Unreachable(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "test")
	if err := client.apiCall(context.Background(), "GET", "/api/stats", nil, nil); err == nil {
		t.Error("Expected error for unreachable server")
	}
}

func TestClient_listDevices(t *testing.T) {
	hum := 55.0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "GET" || r.URL.Path != "/api/devices" {
			t.Errorf("Expected GET /api/devices, got %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"count": 2,
			"devices": []topic.Topic{
				{Name: "sensor-01", IsOnline: true, LastTelemetry: &topic.Telemetry{Temperature: 24.5, Humidity: &hum}},
				{Name: "sensor-02"},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test")
	result, err := client.handleListDevices(context.Background(), callRequest("list_devices", nil))
	if err != nil {
		t.Fatal(err)
	}
	text := resultText(t, result)
	for _, want := range []string{"2 device(s)", "sensor-01 [online] 24.5°C 55%", "sensor-02 [offline]"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in %q", want, text)
		}
	}
}

func TestClient_listDevicesEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"count": 0, "devices": []topic.Topic{}})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test")
	result, _ := client.handleListDevices(context.Background(), callRequest("list_devices", nil))
	if text := resultText(t, result); text != "No devices registered" {
		t.Errorf("Unexpected text %q", text)
	}
}

func TestClient_getDeviceRequiresName(t *testing.T) {
	client := NewClient("http://localhost:3000", "test")
	result, err := client.handleGetDevice(context.Background(), callRequest("get_device", map[string]interface{}{}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("Expected an error result without device_name")
	}
}

func TestClient_getDeviceEscapesName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/api/devices/lab%20sensor" {
			t.Errorf("Unexpected path %s", r.URL.EscapedPath())
		}
		json.NewEncoder(w).Encode(topic.Topic{Name: "lab sensor", DeviceType: "esp32", ActuatorState: true})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test")
	result, _ := client.handleGetDevice(context.Background(), callRequest("get_device", map[string]interface{}{"device_name": "lab sensor"}))
	text := resultText(t, result)
	for _, want := range []string{"Device: lab sensor", "Type: esp32", "no readings yet", "LED: on"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in %q", want, text)
		}
	}
}

func TestClient_pushReading(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/api/data" {
			t.Errorf("Expected POST /api/data, got %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"device": topic.Topic{
				Name:          "sensor-01",
				LastTelemetry: &topic.Telemetry{Temperature: 19, ObservedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test")
	result, err := client.handlePushReading(context.Background(), callRequest("push_reading", map[string]interface{}{
		"device_name": "sensor-01",
		"temperature": 19.0,
	}))
	if err != nil {
		t.Fatal(err)
	}

	if got["deviceName"] != "sensor-01" || got["temperature"] != 19.0 {
		t.Errorf("Unexpected request body %v", got)
	}
	if _, ok := got["humidity"]; ok {
		t.Error("Humidity should be omitted when not given")
	}
	text := resultText(t, result)
	if !strings.Contains(text, "Reading delivered") || !strings.Contains(text, "Temperature: 19.0°C") {
		t.Errorf("Unexpected text %q", text)
	}
}

func TestClient_relayStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]int{
			"totalDevices": 3, "onlineDevices": 1, "observers": 4,
			"deviceSessions": 1, "streamSubscribers": 2, "connections": 5,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test")
	result, _ := client.handleRelayStats(context.Background(), callRequest("relay_stats", nil))
	text := resultText(t, result)
	for _, want := range []string{"Devices: 3 (1 online)", "Observers: 4", "Stream subscribers: 2", "Connections: 5"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in %q", want, text)
		}
	}
}
