// Package liveness pings bound device connections on a fixed interval.
// Devices answer with heartbeat_ack, which refreshes their topic's lastSeen.
// A connection that can not take the ping is left for the transport to
// tear down; the monitor never unbinds anything itself.
package liveness

import (
	"context"
	"log/slog"
	"time"
)

// Lister returns the connection IDs of currently bound devices.
type Lister interface {
	DeviceConnections() []string
}

// Pinger sends an application heartbeat to one connection.
type Pinger interface {
	Ping(connectionID string) error
}

// Monitor periodically pings every bound device.
type Monitor struct {
	interval time.Duration
	lister   Lister
	pinger   Pinger
	logger   *slog.Logger
}

// NewMonitor creates a monitor. A non-positive interval defaults to 25s.
func NewMonitor(interval time.Duration, lister Lister, pinger Pinger, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 25 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		interval: interval,
		lister:   lister,
		pinger:   pinger,
		logger:   logger.With("component", "liveness"),
	}
}

// Run pings on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("liveness monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("liveness monitor stopped")
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep pings each bound device once and returns how many pings were
// delivered.
func (m *Monitor) Sweep() int {
	sent := 0
	for _, id := range m.lister.DeviceConnections() {
		if err := m.pinger.Ping(id); err != nil {
			m.logger.Debug("heartbeat not delivered", "conn", id, "error", err)
			continue
		}
		sent++
	}
	return sent
}
