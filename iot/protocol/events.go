package protocol

import (
	"encoding/json"
	"time"
)

// Inbound event names.
const (
	EventRegisterDevice  = "register_device"
	EventRegisterClient  = "register_client"
	EventTemperatureData = "temperature_data"
	EventLEDState        = "led_state"
	EventLEDControl      = "led_control"
	EventHeartbeat       = "heartbeat"
	EventHeartbeatAck    = "heartbeat_ack"
)

// Outbound event names. EventLEDControl, EventHeartbeat and EventHeartbeatAck
// are also sent outbound.
const (
	EventDeviceRegistered   = "device_registered"
	EventClientRegistered   = "client_registered"
	EventDeviceStatus       = "device_status"
	EventDeviceConnected    = "device_connected"
	EventDeviceDisconnected = "device_disconnected"
	EventTemperatureUpdate  = "temperature_update"
	EventLEDStateUpdate     = "led_state_update"
	EventError              = "error"

	// EventStreamConnected greets a new secondary stream subscriber.
	EventStreamConnected = "connected"
)

// TopicPrefix is prepended to a device name when it is reported as a topic.
const TopicPrefix = "device:"

// Envelope is an inbound frame as read off the wire. Data is decoded lazily
// once the event name has been dispatched.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Message is an outbound frame.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// NewMessage builds an outbound frame.
func NewMessage(event string, data any) Message {
	return Message{Event: event, Data: data}
}

// RegisterDevice is sent by a device to bind itself to a topic.
type RegisterDevice struct {
	DeviceName string `json:"deviceName" validate:"required"`
	DeviceType string `json:"deviceType,omitempty"`
}

// RegisterClient is sent by an observer to watch a topic.
type RegisterClient struct {
	DeviceName string `json:"deviceName" validate:"required"`
	UserName   string `json:"userName" validate:"required"`
}

// TemperatureData is a telemetry report from a device.
type TemperatureData struct {
	Temperature *float64 `json:"temperature" validate:"required"`
	Humidity    *float64 `json:"humidity,omitempty"`
}

// LEDState reports the actuator state of a device.
type LEDState struct {
	State *bool `json:"state" validate:"required"`
}

// LEDControl is an actuator command from an observer.
type LEDControl struct {
	Command string `json:"command" validate:"required,oneof=on off"`
}

// On reports whether the command switches the actuator on.
func (c LEDControl) On() bool { return c.Command == "on" }

// DeviceRegistered acknowledges a device registration.
type DeviceRegistered struct {
	DeviceName string    `json:"deviceName"`
	Timestamp  time.Time `json:"timestamp"`
}

// ClientRegistered acknowledges an observer registration.
type ClientRegistered struct {
	DeviceName string    `json:"deviceName"`
	UserName   string    `json:"userName"`
	Topic      string    `json:"topic"`
	Timestamp  time.Time `json:"timestamp"`
}

// DeviceStatus is the current state of a topic, sent to a newly registered
// observer instead of replaying past updates.
type DeviceStatus struct {
	DeviceName  string     `json:"deviceName"`
	IsOnline    bool       `json:"isOnline"`
	Temperature *float64   `json:"temperature,omitempty"`
	Humidity    *float64   `json:"humidity,omitempty"`
	LEDState    bool       `json:"ledState"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// DeviceLifecycle is the payload of device_connected and device_disconnected.
type DeviceLifecycle struct {
	DeviceName string    `json:"deviceName"`
	Timestamp  time.Time `json:"timestamp"`
}

// TemperatureUpdate is fanned out to observers after a telemetry report.
type TemperatureUpdate struct {
	DeviceName  string    `json:"deviceName"`
	Temperature float64   `json:"temperature"`
	Humidity    *float64  `json:"humidity,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// LEDStateUpdate is fanned out to observers after an actuator state report.
type LEDStateUpdate struct {
	DeviceName string    `json:"deviceName"`
	LEDState   bool      `json:"ledState"`
	Timestamp  time.Time `json:"timestamp"`
}

// LEDCommand is forwarded to the bound device of a topic.
type LEDCommand struct {
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

// Heartbeat is the payload of heartbeat and heartbeat_ack.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent is sent to the originating connection only.
type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
