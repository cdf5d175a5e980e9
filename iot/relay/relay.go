package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wricardo/sensor-relay/iot/protocol"
	"github.com/wricardo/sensor-relay/iot/session"
	"github.com/wricardo/sensor-relay/iot/topic"
)

// Sender delivers a message to one bidirectional connection. Implementations
// must not block; a message that cannot be queued is dropped with an error.
type Sender interface {
	Send(connectionID string, msg protocol.Message) error
}

// StreamPublisher mirrors topic events to the secondary one-way stream.
type StreamPublisher interface {
	Publish(topicName, event string, payload any)
}

// Stats are the aggregate counts exposed to the query surface.
type Stats struct {
	TotalDevices   int `json:"totalDevices"`
	OnlineDevices  int `json:"onlineDevices"`
	Observers      int `json:"observers"`
	DeviceSessions int `json:"deviceSessions"`
}

// Relay is the connection state machine. It owns the topic registry and
// session table and decides who receives each event.
//
// Every inbound event is handled under one lock, registry update and
// fan-out included, so events from one connection reach observers in the
// order they were sent and a binding can never change halfway through a
// fan-out. Sends never block, which keeps the critical section short.
type Relay struct {
	mu       sync.Mutex
	registry *topic.Registry
	sessions *session.Table
	sender   Sender
	stream   StreamPublisher
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a relay. A nil stream disables mirroring and a nil logger
// falls back to slog.Default.
func New(registry *topic.Registry, sessions *session.Table, sender Sender, stream StreamPublisher, logger *slog.Logger) *Relay {
	if stream == nil {
		stream = noStream{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		registry: registry,
		sessions: sessions,
		sender:   sender,
		stream:   stream,
		logger:   logger.With("component", "relay"),
		now:      time.Now,
	}
}

// Handle processes one inbound event from a connection. Failures are
// reported to the originating connection as an error event and returned.
func (r *Relay) Handle(connectionID string, env protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.dispatch(connectionID, env)
	if err != nil {
		r.logger.Debug("event rejected", "conn", connectionID, "event", env.Event, "error", err)
		r.Reject(connectionID, err)
	}
	return err
}

// Reject sends an error event to a single connection.
func (r *Relay) Reject(connectionID string, err error) {
	if sendErr := r.sender.Send(connectionID, ErrorMessage(err)); sendErr != nil {
		r.logger.Debug("failed to deliver error event", "conn", connectionID, "error", sendErr)
	}
}

// Disconnect tears down the session of a closed connection. If it was the
// bound device of its topic the topic goes offline and observers are told.
func (r *Relay) Disconnect(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed, bound, err := r.sessions.Remove(connectionID)
	if err != nil {
		return
	}

	switch {
	case bound:
		r.logger.Info("device disconnected", "device", removed.Topic, "conn", connectionID)
		r.announceDisconnected(removed.Topic)
	case removed.Role == session.RoleObserver:
		r.logger.Info("observer left", "device", removed.Topic, "user", removed.ObserverLabel, "conn", connectionID)
	default:
		r.logger.Debug("superseded device closed", "device", removed.Topic, "conn", connectionID)
	}
}

func (r *Relay) dispatch(connectionID string, env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventRegisterDevice:
		return r.registerDevice(connectionID, env.Data)
	case protocol.EventRegisterClient:
		return r.registerObserver(connectionID, env.Data)
	}

	sess, ok := r.sessions.Lookup(connectionID)
	if !ok {
		return ErrNotRegistered
	}

	switch env.Event {
	case protocol.EventTemperatureData:
		return r.temperatureReport(sess, env.Data)
	case protocol.EventLEDState:
		return r.actuatorStateReport(sess, env.Data)
	case protocol.EventLEDControl:
		return r.actuatorControl(sess, env.Data)
	case protocol.EventHeartbeat:
		r.send(connectionID, protocol.NewMessage(protocol.EventHeartbeatAck, protocol.Heartbeat{Timestamp: r.now()}))
		return nil
	case protocol.EventHeartbeatAck:
		if sess.Role == session.RoleDevice && r.sessions.IsBoundDevice(connectionID) {
			r.registry.Touch(sess.Topic)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

func (r *Relay) registerDevice(connectionID string, data json.RawMessage) error {
	var p protocol.RegisterDevice
	if err := protocol.Decode(data, &p); err != nil {
		return err
	}
	name := strings.TrimSpace(p.DeviceName)

	sess, released, err := r.sessions.RegisterDevice(connectionID, name)
	if err != nil {
		return err
	}
	if released != nil {
		r.announceDisconnected(released.Topic)
	}
	r.registry.SetDeviceType(name, p.DeviceType)

	r.logger.Info("device registered", "device", name, "type", p.DeviceType, "conn", connectionID)

	now := r.now()
	r.send(connectionID, protocol.NewMessage(protocol.EventDeviceRegistered, protocol.DeviceRegistered{
		DeviceName: sess.Topic,
		Timestamp:  now,
	}))
	r.fanOut(name, protocol.EventDeviceConnected, protocol.DeviceLifecycle{DeviceName: name, Timestamp: now})
	return nil
}

func (r *Relay) registerObserver(connectionID string, data json.RawMessage) error {
	var p protocol.RegisterClient
	if err := protocol.Decode(data, &p); err != nil {
		return err
	}
	name := strings.TrimSpace(p.DeviceName)

	sess, released, err := r.sessions.RegisterObserver(connectionID, name, strings.TrimSpace(p.UserName))
	if err != nil {
		return err
	}
	if released != nil {
		r.announceDisconnected(released.Topic)
	}

	r.logger.Info("observer registered", "device", name, "user", sess.ObserverLabel, "conn", connectionID)

	now := r.now()
	r.send(connectionID, protocol.NewMessage(protocol.EventClientRegistered, protocol.ClientRegistered{
		DeviceName: name,
		UserName:   sess.ObserverLabel,
		Topic:      protocol.TopicPrefix + name,
		Timestamp:  now,
	}))

	// Late joiners get the current state instead of a replay of past updates
	if t, ok := r.registry.Get(name); ok {
		r.send(connectionID, protocol.NewMessage(protocol.EventDeviceStatus, statusOf(t, now)))
	}
	return nil
}

func (r *Relay) temperatureReport(sess session.Session, data json.RawMessage) error {
	if err := r.requireBoundDevice(sess); err != nil {
		return err
	}
	var p protocol.TemperatureData
	if err := protocol.Decode(data, &p); err != nil {
		return err
	}

	t, ok := r.registry.RecordTelemetry(sess.Topic, topic.Reading{Temperature: *p.Temperature, Humidity: p.Humidity})
	if !ok {
		return ErrNotRegistered
	}
	r.fanOut(sess.Topic, protocol.EventTemperatureUpdate, temperatureUpdate(t))
	return nil
}

func (r *Relay) actuatorStateReport(sess session.Session, data json.RawMessage) error {
	if err := r.requireBoundDevice(sess); err != nil {
		return err
	}
	var p protocol.LEDState
	if err := protocol.Decode(data, &p); err != nil {
		return err
	}

	t, ok := r.registry.RecordActuatorState(sess.Topic, *p.State)
	if !ok {
		return ErrNotRegistered
	}
	r.fanOut(sess.Topic, protocol.EventLEDStateUpdate, protocol.LEDStateUpdate{
		DeviceName: t.Name,
		LEDState:   t.ActuatorState,
		Timestamp:  t.LastSeenAt,
	})
	return nil
}

func (r *Relay) actuatorControl(sess session.Session, data json.RawMessage) error {
	if sess.Role != session.RoleObserver {
		return ErrRoleNotPermitted
	}
	var p protocol.LEDControl
	if err := protocol.Decode(data, &p); err != nil {
		return err
	}

	device, ok := r.sessions.DeviceSessionOf(sess.Topic)
	if !ok {
		return ErrDeviceUnavailable
	}

	cmd := protocol.NewMessage(protocol.EventLEDControl, protocol.LEDCommand{Command: p.Command, Timestamp: r.now()})
	if err := r.sender.Send(device.ConnectionID, cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	r.logger.Info("actuator command forwarded", "device", sess.Topic, "user", sess.ObserverLabel, "command", p.Command)
	return nil
}

func (r *Relay) requireBoundDevice(sess session.Session) error {
	if sess.Role != session.RoleDevice {
		return ErrRoleNotPermitted
	}
	if !r.sessions.IsBoundDevice(sess.ConnectionID) {
		return ErrSuperseded
	}
	return nil
}

func (r *Relay) announceDisconnected(name string) {
	r.fanOut(name, protocol.EventDeviceDisconnected, protocol.DeviceLifecycle{DeviceName: name, Timestamp: r.now()})
}

// fanOut delivers an event to every observer of a topic and mirrors it to
// the secondary stream. A failed delivery only affects its own recipient.
func (r *Relay) fanOut(name, event string, payload any) {
	msg := protocol.NewMessage(event, payload)
	for _, obs := range r.sessions.ObserversOf(name) {
		r.send(obs.ConnectionID, msg)
	}
	r.stream.Publish(name, event, payload)
}

func (r *Relay) send(connectionID string, msg protocol.Message) {
	if err := r.sender.Send(connectionID, msg); err != nil {
		r.logger.Debug("dropped message", "conn", connectionID, "event", msg.Event, "error", err)
	}
}

// EnsureDevice registers a device name without a connection, or returns
// the existing topic.
func (r *Relay) EnsureDevice(name string) (topic.Topic, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return topic.Topic{}, protocol.Required("deviceName")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.EnsureTopic(name), nil
}

// PushReading records a reading for a device that cannot hold a persistent
// connection and fans it out like a live report. The online flag is left
// untouched.
func (r *Relay) PushReading(name string, reading topic.Reading) (topic.Topic, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return topic.Topic{}, protocol.Required("deviceName")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.registry.EnsureTopic(name)
	t, _ := r.registry.RecordTelemetry(name, reading)
	r.fanOut(name, protocol.EventTemperatureUpdate, temperatureUpdate(t))
	return t, nil
}

// Topic returns the current state of one topic
func (r *Relay) Topic(name string) (topic.Topic, bool) {
	return r.registry.Get(name)
}

// Topics returns every known topic in creation order
func (r *Relay) Topics() []topic.Topic {
	return r.registry.List()
}

// Stats returns aggregate counts
func (r *Relay) Stats() Stats {
	total, online := r.registry.Counts()
	devices, observers := r.sessions.Counts()
	return Stats{
		TotalDevices:   total,
		OnlineDevices:  online,
		Observers:      observers,
		DeviceSessions: devices,
	}
}

// DeviceConnections lists the connections currently bound as devices
func (r *Relay) DeviceConnections() []string {
	return r.sessions.DeviceConnections()
}

func statusOf(t topic.Topic, now time.Time) protocol.DeviceStatus {
	status := protocol.DeviceStatus{
		DeviceName: t.Name,
		IsOnline:   t.IsOnline,
		LEDState:   t.ActuatorState,
		Timestamp:  now,
	}
	if t.LastTelemetry != nil {
		temp := t.LastTelemetry.Temperature
		status.Temperature = &temp
		status.Humidity = t.LastTelemetry.Humidity
	}
	if !t.LastSeenAt.IsZero() {
		seen := t.LastSeenAt
		status.LastSeen = &seen
	}
	return status
}

func temperatureUpdate(t topic.Topic) protocol.TemperatureUpdate {
	return protocol.TemperatureUpdate{
		DeviceName:  t.Name,
		Temperature: t.LastTelemetry.Temperature,
		Humidity:    t.LastTelemetry.Humidity,
		Timestamp:   t.LastTelemetry.ObservedAt,
	}
}

type noStream struct{}

func (noStream) Publish(string, string, any) {}
