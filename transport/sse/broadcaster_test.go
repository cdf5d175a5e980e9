package sse

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu     sync.Mutex
	frames []string
	err    error
}

func (s *fakeSink) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, string(frame))
	return nil
}

func (s *fakeSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func newTestBroadcaster() *Broadcaster {
	b := NewBroadcaster(time.Hour, time.Second, nil)
	b.now = func() time.Time { return time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC) }
	return b
}

func parseFrame(t *testing.T, frame string) (string, map[string]any) {
	t.Helper()
	if !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("Frame should end with a blank line: %q", frame)
	}
	lines := strings.Split(strings.TrimSuffix(frame, "\n\n"), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "event: ") || !strings.HasPrefix(lines[1], "data: ") {
		t.Fatalf("Unexpected frame layout: %q", frame)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &data); err != nil {
		t.Fatalf("Frame data is not JSON: %v", err)
	}
	return strings.TrimPrefix(lines[0], "event: "), data
}

func TestPublishTopicScoped(t *testing.T) {
	b := newTestBroadcaster()
	a1, a2, other := &fakeSink{}, &fakeSink{}, &fakeSink{}
	b.Subscribe("sensor-01", a1)
	b.Subscribe("sensor-01", a2)
	b.Subscribe("sensor-02", other)

	b.Publish("sensor-01", "temperature_update", map[string]any{"deviceName": "sensor-01", "temperature": 24.5})

	for _, s := range []*fakeSink{a1, a2} {
		frames := s.received()
		if len(frames) != 1 {
			t.Fatalf("Expected 1 frame, got %d", len(frames))
		}
		event, data := parseFrame(t, frames[0])
		if event != "temperature_update" {
			t.Errorf("Expected temperature_update, got %s", event)
		}
		if data["temperature"] != 24.5 || data["deviceName"] != "sensor-01" {
			t.Errorf("Unexpected payload %v", data)
		}
		if data["timestamp"] != "2025-06-01T09:30:00Z" {
			t.Errorf("Expected server timestamp, got %v", data["timestamp"])
		}
	}
	if n := len(other.received()); n != 0 {
		t.Errorf("Sink of another topic received %d frames", n)
	}
}

func TestPublishOverridesPayloadTimestamp(t *testing.T) {
	b := newTestBroadcaster()
	s := &fakeSink{}
	b.Subscribe("t", s)

	b.Publish("t", "device_connected", struct {
		DeviceName string    `json:"deviceName"`
		Timestamp  time.Time `json:"timestamp"`
	}{"t", time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)})

	_, data := parseFrame(t, s.received()[0])
	if data["timestamp"] != "2025-06-01T09:30:00Z" {
		t.Errorf("Expected server timestamp, got %v", data["timestamp"])
	}
}

func TestPublishWrapsNonObjectPayload(t *testing.T) {
	b := newTestBroadcaster()
	s := &fakeSink{}
	b.Subscribe("t", s)

	b.Publish("t", "numbers", []int{1, 2})
	b.Publish("t", "nothing", nil)

	frames := s.received()
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	_, data := parseFrame(t, frames[0])
	if arr, ok := data["data"].([]any); !ok || len(arr) != 2 {
		t.Errorf("Expected wrapped array, got %v", data)
	}
	_, data = parseFrame(t, frames[1])
	if _, ok := data["timestamp"]; !ok {
		t.Errorf("Expected timestamp on null payload, got %v", data)
	}
}

func TestFailedSinkIsRemoved(t *testing.T) {
	b := newTestBroadcaster()
	good := &fakeSink{}
	bad := &fakeSink{err: errors.New("broken pipe")}
	b.Subscribe("sensor-01", good)
	b.Subscribe("sensor-01", bad)

	b.Publish("sensor-01", "led_state_update", map[string]any{"ledState": true})
	if n := len(good.received()); n != 1 {
		t.Errorf("Healthy sink should still receive, got %d", n)
	}
	if n := b.SubscriberCount(); n != 1 {
		t.Errorf("Failed sink should be removed, %d subscribers left", n)
	}

	bad.err = nil
	b.Publish("sensor-01", "led_state_update", map[string]any{"ledState": false})
	if n := len(bad.received()); n != 0 {
		t.Errorf("Removed sink should not receive again, got %d", n)
	}
}

func TestUnsubscribePrunesTopic(t *testing.T) {
	b := newTestBroadcaster()
	s1, s2 := &fakeSink{}, &fakeSink{}
	b.Subscribe("sensor-01", s1)
	b.Subscribe("sensor-01", s2)

	b.Unsubscribe("sensor-01", s1)
	if _, ok := b.topics["sensor-01"]; !ok {
		t.Fatal("Topic should remain while it has sinks")
	}
	b.Unsubscribe("sensor-01", s2)
	if _, ok := b.topics["sensor-01"]; ok {
		t.Error("Empty topic should be pruned")
	}
	b.Unsubscribe("unknown", s1)
}

func TestStreamSinkBackpressure(t *testing.T) {
	s := newStreamSink(2)
	if err := s.Send([]byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Send([]byte("b")); err != nil {
		t.Fatal(err)
	}
	if err := s.Send([]byte("c")); !errors.Is(err, ErrSinkBackedUp) {
		t.Errorf("Expected ErrSinkBackedUp, got %v", err)
	}
	s.close()
	s.close()
	if err := s.Send([]byte("d")); !errors.Is(err, ErrSinkClosed) {
		t.Errorf("Expected ErrSinkClosed, got %v", err)
	}
}

func TestServeHTTPRequiresDeviceName(t *testing.T) {
	b := newTestBroadcaster()
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stream", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"] == "" {
		t.Errorf("Expected JSON error body, got %q", rec.Body.String())
	}
}

func readFrame(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var sb strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("Stream ended early: %v (read %q)", err, sb.String())
		}
		sb.WriteString(line)
		if line == "\n" {
			return sb.String()
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServeHTTPStreamsTopicEvents(t *testing.T) {
	b := NewBroadcaster(time.Hour, time.Second, nil)
	server := httptest.NewServer(b)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/stream?deviceName=sensor-01")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Expected event-stream content type, got %s", ct)
	}

	reader := bufio.NewReader(resp.Body)
	event, data := parseFrame(t, readFrame(t, reader))
	if event != "connected" || data["deviceName"] != "sensor-01" {
		t.Errorf("Expected connected greeting, got %s %v", event, data)
	}

	waitFor(t, func() bool { return b.SubscriberCount() == 1 })

	b.Publish("sensor-02", "temperature_update", map[string]any{"temperature": 1})
	b.Publish("sensor-01", "temperature_update", map[string]any{"temperature": 2})

	event, data = parseFrame(t, readFrame(t, reader))
	if event != "temperature_update" || data["temperature"] != float64(2) {
		t.Errorf("Expected sensor-01 update, got %s %v", event, data)
	}

	resp.Body.Close()
	waitFor(t, func() bool { return b.SubscriberCount() == 0 })
}

func TestServeHTTPKeepAlive(t *testing.T) {
	b := NewBroadcaster(20*time.Millisecond, time.Second, nil)
	server := httptest.NewServer(b)
	defer server.Close()

	resp, err := http.Get(server.URL + "/?deviceName=idle")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	readFrame(t, reader)
	if frame := readFrame(t, reader); frame != ": keep-alive\n\n" {
		t.Errorf("Expected keep-alive comment, got %q", frame)
	}
}

func TestCloseEndsStreams(t *testing.T) {
	b := NewBroadcaster(time.Hour, time.Second, nil)
	server := httptest.NewServer(b)
	defer server.Close()

	resp, err := http.Get(server.URL + "/?deviceName=sensor-01")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	readFrame(t, reader)
	waitFor(t, func() bool { return b.SubscriberCount() == 1 })

	b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := reader.ReadString('\n'); err != nil {
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stream should end after Close")
	}
}
