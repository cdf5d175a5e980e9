package topic

import (
	"sync"
	"time"
)

// Telemetry is the most recent reading reported for a topic.
type Telemetry struct {
	Temperature float64   `json:"temperature"`
	Humidity    *float64  `json:"humidity,omitempty"`
	ObservedAt  time.Time `json:"observedAt"`
}

// Reading is a single telemetry sample as reported by a device.
type Reading struct {
	Temperature float64
	Humidity    *float64
}

// Topic is the known state of one logical device.
type Topic struct {
	Name               string     `json:"deviceName"`
	DeviceConnectionID string     `json:"deviceConnectionId,omitempty"`
	DeviceType         string     `json:"deviceType,omitempty"`
	IsOnline           bool       `json:"isOnline"`
	LastTelemetry      *Telemetry `json:"lastTelemetry,omitempty"`
	ActuatorState      bool       `json:"ledState"`
	CreatedAt          time.Time  `json:"createdAt"`
	ConnectedAt        time.Time  `json:"connectedAt"`
	LastSeenAt         time.Time  `json:"lastSeen"`
}

func (t *Topic) clone() Topic {
	c := *t
	if t.LastTelemetry != nil {
		tel := *t.LastTelemetry
		if tel.Humidity != nil {
			h := *tel.Humidity
			tel.Humidity = &h
		}
		c.LastTelemetry = &tel
	}
	return c
}

// Registry maps topic names to their current state. Topics are never
// removed once created.
type Registry struct {
	mu     sync.RWMutex
	topics map[string]*Topic
	order  []string
	now    func() time.Time
}

// NewRegistry creates an empty topic registry
func NewRegistry() *Registry {
	return &Registry{
		topics: make(map[string]*Topic),
		now:    time.Now,
	}
}

// EnsureTopic returns the named topic, creating it offline if absent.
func (r *Registry) EnsureTopic(name string) Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensure(name).clone()
}

// BindDevice binds a device connection to a topic and marks it online.
// Any previous binding is overwritten.
func (r *Registry) BindDevice(name, connectionID string) Topic {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.ensure(name)
	now := r.now()
	t.DeviceConnectionID = connectionID
	t.IsOnline = true
	t.ConnectedAt = now
	t.LastSeenAt = now
	return t.clone()
}

// SetDeviceType records the self-reported type of the device bound to a topic.
func (r *Registry) SetDeviceType(name, deviceType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[name]; ok && deviceType != "" {
		t.DeviceType = deviceType
	}
}

// RecordTelemetry stores the latest reading. It is a no-op returning false
// when the topic does not exist.
func (r *Registry) RecordTelemetry(name string, reading Reading) (Topic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[name]
	if !ok {
		return Topic{}, false
	}
	now := r.now()
	tel := &Telemetry{Temperature: reading.Temperature, ObservedAt: now}
	if reading.Humidity != nil {
		h := *reading.Humidity
		tel.Humidity = &h
	}
	t.LastTelemetry = tel
	t.LastSeenAt = now
	return t.clone(), true
}

// RecordActuatorState stores the latest actuator state.
func (r *Registry) RecordActuatorState(name string, state bool) (Topic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[name]
	if !ok {
		return Topic{}, false
	}
	t.ActuatorState = state
	t.LastSeenAt = r.now()
	return t.clone(), true
}

// Touch refreshes LastSeenAt without changing any reported value.
func (r *Registry) Touch(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[name]; ok {
		t.LastSeenAt = r.now()
	}
}

// UnbindDevice clears the device binding and marks the topic offline.
// Last telemetry and actuator state are kept.
func (r *Registry) UnbindDevice(name string) (Topic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[name]
	if !ok {
		return Topic{}, false
	}
	t.DeviceConnectionID = ""
	t.IsOnline = false
	t.LastSeenAt = r.now()
	return t.clone(), true
}

// Get returns a copy of the named topic.
func (r *Registry) Get(name string) (Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[name]
	if !ok {
		return Topic{}, false
	}
	return t.clone(), true
}

// List returns all topics in insertion order.
func (r *Registry) List() []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Topic, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.topics[name].clone())
	}
	return result
}

// Counts returns the number of known topics and how many are online.
func (r *Registry) Counts() (total, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.topics {
		if t.IsOnline {
			online++
		}
	}
	return len(r.topics), online
}

// Restore loads previously persisted topics. Restored topics are always
// offline since no connection survives a restart. Topics that already exist
// are left untouched.
func (r *Registry) Restore(topics []Topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for i := range topics {
		t := topics[i].clone()
		if t.Name == "" {
			continue
		}
		if _, exists := r.topics[t.Name]; exists {
			continue
		}
		t.DeviceConnectionID = ""
		t.IsOnline = false
		if t.CreatedAt.IsZero() {
			t.CreatedAt = r.now()
		}
		r.topics[t.Name] = &t
		r.order = append(r.order, t.Name)
		restored++
	}
	return restored
}

func (r *Registry) ensure(name string) *Topic {
	if t, ok := r.topics[name]; ok {
		return t
	}
	t := &Topic{Name: name, CreatedAt: r.now()}
	r.topics[name] = t
	r.order = append(r.order, name)
	return t
}
