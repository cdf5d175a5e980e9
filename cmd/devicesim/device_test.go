package main

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wricardo/sensor-relay/iot/protocol"
	"github.com/wricardo/sensor-relay/iot/relay"
	"github.com/wricardo/sensor-relay/iot/session"
	"github.com/wricardo/sensor-relay/iot/topic"
	"github.com/wricardo/sensor-relay/transport/websocket"
)

func TestDeviceName(t *testing.T) {
	if got := deviceName(7); got != "sensor-sim-007" {
		t.Errorf("Expected sensor-sim-007, got %s", got)
	}
	if got := deviceName(1234); got != "sensor-sim-1234" {
		t.Errorf("Expected sensor-sim-1234, got %s", got)
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"http://localhost:3000", "ws://localhost:3000/ws", false},
		{"https://relay.example.dev/", "wss://relay.example.dev/ws", false},
		{"ws://localhost:3000/custom", "ws://localhost:3000/custom", false},
		{"ftp://host", "", true},
	}
	for _, tt := range tests {
		got, err := websocketURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("websocketURL(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("websocketURL(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestReadingBounds(t *testing.T) {
	d, err := NewDevice("sensor-sim-001", "http://localhost:3000", time.Second, 2*time.Second, 42, nil)
	if err != nil {
		t.Fatal(err)
	}
	d.baseTemp = 49.5
	d.baseHumidity = 1

	for i := 0; i < 500; i++ {
		temp, hum := d.Reading()
		if temp < 0 || temp > 50 {
			t.Fatalf("Temperature out of range: %v", temp)
		}
		if hum < 0 || hum > 100 {
			t.Fatalf("Humidity out of range: %v", hum)
		}
		if math.Abs(temp*10-math.Round(temp*10)) > 1e-6 {
			t.Fatalf("Temperature not rounded to one decimal: %v", temp)
		}
	}
}

func TestNextDelayWithinRange(t *testing.T) {
	d, _ := NewDevice("sensor-sim-001", "http://localhost:3000", 3*time.Second, 7*time.Second, 1, nil)
	for i := 0; i < 200; i++ {
		delay := d.nextDelay()
		if delay < 3*time.Second || delay >= 7*time.Second {
			t.Fatalf("Delay out of range: %v", delay)
		}
	}

	fixed, _ := NewDevice("sensor-sim-002", "http://localhost:3000", time.Second, 0, 1, nil)
	if delay := fixed.nextDelay(); delay != time.Second {
		t.Errorf("Expected fixed delay, got %v", delay)
	}
}

func TestDeviceAgainstRelay(t *testing.T) {
	hub := websocket.NewHub(websocket.Options{}, nil)
	registry := topic.NewRegistry()
	r := relay.New(registry, session.NewTable(registry), hub, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hub.ServeWS(w, req, r)
	}))
	defer server.Close()

	d, err := NewDevice("sensor-sim-001", server.URL, 10*time.Millisecond, 20*time.Millisecond, 7, nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("Timed out waiting for %s", what)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	waitFor("a reading", func() bool {
		tp, ok := r.Topic("sensor-sim-001")
		return ok && tp.IsOnline && tp.LastTelemetry != nil
	})
	tp, _ := r.Topic("sensor-sim-001")
	if tp.DeviceType != "simulator" {
		t.Errorf("Expected simulator device type, got %q", tp.DeviceType)
	}

	// Switch the LED through a real observer session
	obs := "observer-1"
	if err := r.Handle(obs, protocol.Envelope{Event: protocol.EventRegisterClient, Data: []byte(`{"deviceName":"sensor-sim-001","userName":"alice"}`)}); err != nil {
		t.Fatalf("Observer registration failed: %v", err)
	}
	if err := r.Handle(obs, protocol.Envelope{Event: protocol.EventLEDControl, Data: []byte(`{"command":"on"}`)}); err != nil {
		t.Fatalf("led_control failed: %v", err)
	}
	waitFor("the LED report", func() bool {
		tp, _ := r.Topic("sensor-sim-001")
		return tp.ActuatorState && d.LED()
	})

	// Heartbeat acks refresh lastSeen
	before, _ := r.Topic("sensor-sim-001")
	time.Sleep(5 * time.Millisecond)
	for _, id := range r.DeviceConnections() {
		hub.Ping(id)
	}
	waitFor("lastSeen to move", func() bool {
		tp, _ := r.Topic("sensor-sim-001")
		return tp.LastSeenAt.After(before.LastSeenAt)
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
