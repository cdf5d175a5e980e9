// Package sse serves the secondary one-way event stream. Subscribers pick a
// topic with the deviceName query parameter and receive the same events the
// relay sends to observers, framed as server-sent events.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wricardo/sensor-relay/iot/protocol"
)

const (
	// Frames queued per subscriber before it is considered too slow.
	sinkBuffer = 64

	defaultKeepAlive    = 15 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

var keepAliveFrame = []byte(": keep-alive\n\n")

var (
	ErrSinkClosed    = errors.New("stream sink closed")
	ErrSinkBackedUp  = errors.New("stream sink backed up")
	ErrMissingDevice = errors.New("deviceName query parameter is required")
)

// Sink receives encoded event frames for one subscriber. Send must not block.
type Sink interface {
	Send(frame []byte) error
}

// Broadcaster fans topic events out to one-way event-stream subscribers.
type Broadcaster struct {
	mu           sync.RWMutex
	topics       map[string]map[Sink]struct{}
	streams      map[*streamSink]struct{}
	closed       bool
	keepAlive    time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewBroadcaster creates a broadcaster. Zero durations use the defaults.
func NewBroadcaster(keepAlive, writeTimeout time.Duration, logger *slog.Logger) *Broadcaster {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		topics:       make(map[string]map[Sink]struct{}),
		streams:      make(map[*streamSink]struct{}),
		keepAlive:    keepAlive,
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "sse"),
		now:          time.Now,
	}
}

// Subscribe adds a sink to a topic
func (b *Broadcaster) Subscribe(topicName string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.topics[topicName]
	if !ok {
		set = make(map[Sink]struct{})
		b.topics[topicName] = set
	}
	set[sink] = struct{}{}
}

// Unsubscribe removes a sink from a topic, dropping the topic once empty
func (b *Broadcaster) Unsubscribe(topicName string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribe(topicName, sink)
}

func (b *Broadcaster) unsubscribe(topicName string, sink Sink) {
	set, ok := b.topics[topicName]
	if !ok {
		return
	}
	delete(set, sink)
	if len(set) == 0 {
		delete(b.topics, topicName)
	}
}

// Publish writes an event to every sink of a topic. The payload is stamped
// with the server time. Sinks that fail are removed.
func (b *Broadcaster) Publish(topicName, event string, payload any) {
	b.mu.RLock()
	set := b.topics[topicName]
	sinks := make([]Sink, 0, len(set))
	for s := range set {
		sinks = append(sinks, s)
	}
	b.mu.RUnlock()

	if len(sinks) == 0 {
		return
	}

	frame, err := b.frame(event, payload)
	if err != nil {
		b.logger.Error("failed to encode stream event", "event", event, "error", err)
		return
	}

	var failed []Sink
	for _, s := range sinks {
		if err := s.Send(frame); err != nil {
			failed = append(failed, s)
		}
	}
	if len(failed) == 0 {
		return
	}

	b.mu.Lock()
	for _, s := range failed {
		b.unsubscribe(topicName, s)
		// A dropped event stream can not recover, end it so the client reconnects
		if ss, ok := s.(*streamSink); ok {
			ss.close()
		}
	}
	b.mu.Unlock()
	b.logger.Debug("removed failed stream sinks", "device", topicName, "count", len(failed))
}

// SubscriberCount returns the number of sinks across all topics
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.topics {
		n += len(set)
	}
	return n
}

// Close ends every open event stream. Used on server shutdown since stream
// handlers otherwise never return.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for s := range b.streams {
		s.close()
	}
	b.streams = make(map[*streamSink]struct{})
	b.topics = make(map[string]map[Sink]struct{})
}

// frame encodes one event. Object payloads get a timestamp field merged in,
// anything else is wrapped as {"data": ..., "timestamp": ...}.
func (b *Broadcaster) frame(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		fields = map[string]any{"data": json.RawMessage(raw)}
	}
	fields["timestamp"] = b.now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)), nil
}

// ServeHTTP streams the events of the topic named by the deviceName query
// parameter until the client goes away.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("deviceName"))
	if name == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": ErrMissingDevice.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	write := func(frame []byte) error {
		// The deadline also lifts the server's WriteTimeout for this stream
		if err := rc.SetWriteDeadline(time.Now().Add(b.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		return rc.Flush()
	}

	hello, err := b.frame(protocol.EventStreamConnected, map[string]string{"deviceName": name})
	if err != nil {
		return
	}
	if err := write(hello); err != nil {
		return
	}

	sink := newStreamSink(sinkBuffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.streams[sink] = struct{}{}
	b.mu.Unlock()
	b.Subscribe(name, sink)
	b.logger.Info("stream subscriber connected", "device", name, "remote", r.RemoteAddr)

	defer func() {
		sink.close()
		b.mu.Lock()
		delete(b.streams, sink)
		b.unsubscribe(name, sink)
		b.mu.Unlock()
		b.logger.Info("stream subscriber disconnected", "device", name, "remote", r.RemoteAddr)
	}()

	ticker := time.NewTicker(b.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sink.done:
			return
		case frame := <-sink.frames:
			if err := write(frame); err != nil {
				b.logger.Debug("stream write failed", "device", name, "error", err)
				return
			}
		case <-ticker.C:
			if err := write(keepAliveFrame); err != nil {
				b.logger.Debug("stream keep-alive failed", "device", name, "error", err)
				return
			}
		}
	}
}

// streamSink queues frames for one HTTP event stream. The frames channel is
// never closed so Send can not panic after the stream ends.
type streamSink struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newStreamSink(size int) *streamSink {
	return &streamSink{
		frames: make(chan []byte, size),
		done:   make(chan struct{}),
	}
}

func (s *streamSink) Send(frame []byte) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.frames <- frame:
		return nil
	default:
		return ErrSinkBackedUp
	}
}

func (s *streamSink) close() {
	s.once.Do(func() { close(s.done) })
}
