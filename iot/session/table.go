package session

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wricardo/sensor-relay/iot/protocol"
	"github.com/wricardo/sensor-relay/iot/topic"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrInvalidConnectionID = errors.New("invalid connection ID")
)

// Role is what a registered connection is allowed to do.
type Role string

const (
	RoleDevice   Role = "device"
	RoleObserver Role = "observer"
)

// Session binds one live connection to a role and a topic.
type Session struct {
	ConnectionID  string    `json:"connectionId"`
	Role          Role      `json:"role"`
	Topic         string    `json:"topic"`
	ObserverLabel string    `json:"observerLabel,omitempty"`
	RegisteredAt  time.Time `json:"registeredAt"`
}

// Table tracks registered connections. Observers and devices are indexed
// by topic so fan-out never scans every session.
type Table struct {
	mu        sync.RWMutex
	registry  *topic.Registry
	sessions  map[string]*Session
	observers map[string]map[string]struct{}
	devices   map[string]string
	now       func() time.Time
}

// NewTable creates a session table that keeps the given registry in sync
func NewTable(registry *topic.Registry) *Table {
	return &Table{
		registry:  registry,
		sessions:  make(map[string]*Session),
		observers: make(map[string]map[string]struct{}),
		devices:   make(map[string]string),
		now:       time.Now,
	}
}

// RegisterDevice creates or replaces the session of connectionID as the
// device of topicName and binds it in the registry. A device already bound
// to the topic is superseded silently.
//
// When the connection was previously the bound device of another topic,
// that topic is unbound and the old session is returned as released so the
// caller can announce the disconnect.
func (t *Table) RegisterDevice(connectionID, topicName string) (Session, *Session, error) {
	if connectionID == "" {
		return Session{}, nil, ErrInvalidConnectionID
	}
	if strings.TrimSpace(topicName) == "" {
		return Session{}, nil, protocol.Required("deviceName")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	released := t.detach(connectionID, topicName)

	s := &Session{
		ConnectionID: connectionID,
		Role:         RoleDevice,
		Topic:        topicName,
		RegisteredAt: t.now(),
	}
	t.sessions[connectionID] = s
	t.devices[topicName] = connectionID
	t.registry.BindDevice(topicName, connectionID)

	return *s, released, nil
}

// RegisterObserver creates or replaces the session of connectionID as an
// observer of topicName. The topic is created offline if unknown.
func (t *Table) RegisterObserver(connectionID, topicName, label string) (Session, *Session, error) {
	if connectionID == "" {
		return Session{}, nil, ErrInvalidConnectionID
	}
	if strings.TrimSpace(topicName) == "" {
		return Session{}, nil, protocol.Required("deviceName")
	}
	if strings.TrimSpace(label) == "" {
		return Session{}, nil, protocol.Required("userName")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	released := t.detach(connectionID, "")

	s := &Session{
		ConnectionID:  connectionID,
		Role:          RoleObserver,
		Topic:         topicName,
		ObserverLabel: label,
		RegisteredAt:  t.now(),
	}
	t.sessions[connectionID] = s
	set, ok := t.observers[topicName]
	if !ok {
		set = make(map[string]struct{})
		t.observers[topicName] = set
	}
	set[connectionID] = struct{}{}
	t.registry.EnsureTopic(topicName)

	return *s, released, nil
}

// Lookup returns the session of a connection
func (t *Table) Lookup(connectionID string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[connectionID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Remove deletes the session of a closed connection. The bound flag reports
// whether the connection was still the bound device of its topic; only then
// has the topic been unbound in the registry.
func (t *Table) Remove(connectionID string) (removed Session, bound bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[connectionID]
	if !ok {
		return Session{}, false, ErrSessionNotFound
	}
	bound = t.unindex(s)
	delete(t.sessions, connectionID)
	if bound {
		t.registry.UnbindDevice(s.Topic)
	}
	return *s, bound, nil
}

// ObserversOf returns the observer sessions of a topic ordered by
// registration time.
func (t *Table) ObserversOf(topicName string) []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	set := t.observers[topicName]
	result := make([]Session, 0, len(set))
	for id := range set {
		result = append(result, *t.sessions[id])
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].RegisteredAt.Equal(result[j].RegisteredAt) {
			return result[i].ConnectionID < result[j].ConnectionID
		}
		return result[i].RegisteredAt.Before(result[j].RegisteredAt)
	})
	return result
}

// DeviceSessionOf returns the session currently bound as the device of a topic
func (t *Table) DeviceSessionOf(topicName string) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	id, ok := t.devices[topicName]
	if !ok {
		return Session{}, false
	}
	return *t.sessions[id], true
}

// IsBoundDevice reports whether the connection is the current device of its topic
func (t *Table) IsBoundDevice(connectionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.sessions[connectionID]
	if !ok || s.Role != RoleDevice {
		return false
	}
	return t.devices[s.Topic] == connectionID
}

// DeviceConnections returns the connection IDs of every bound device
func (t *Table) DeviceConnections() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]string, 0, len(t.devices))
	for _, id := range t.devices {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// Counts returns the number of registered devices and observers
func (t *Table) Counts() (devices, observers int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, s := range t.sessions {
		switch s.Role {
		case RoleDevice:
			devices++
		case RoleObserver:
			observers++
		}
	}
	return devices, observers
}

// detach drops an existing session of connectionID from the indexes before
// it is replaced. If the connection was bound as a device to a topic other
// than keepTopic, that topic is unbound and the old session returned.
func (t *Table) detach(connectionID, keepTopic string) *Session {
	old, ok := t.sessions[connectionID]
	if !ok {
		return nil
	}
	delete(t.sessions, connectionID)
	if !t.unindex(old) {
		return nil
	}
	if old.Topic == keepTopic {
		return nil
	}
	t.registry.UnbindDevice(old.Topic)
	released := *old
	return &released
}

// unindex removes s from the topic indexes and reports whether it was the
// bound device of its topic.
func (t *Table) unindex(s *Session) bool {
	switch s.Role {
	case RoleObserver:
		if set, ok := t.observers[s.Topic]; ok {
			delete(set, s.ConnectionID)
			if len(set) == 0 {
				delete(t.observers, s.Topic)
			}
		}
	case RoleDevice:
		if t.devices[s.Topic] == s.ConnectionID {
			delete(t.devices, s.Topic)
			return true
		}
	}
	return false
}
