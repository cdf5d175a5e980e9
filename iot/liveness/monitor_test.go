package liveness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type staticLister []string

func (l staticLister) DeviceConnections() []string { return l }

type countingPinger struct {
	mu     sync.Mutex
	pings  map[string]int
	failOn map[string]bool
}

func newCountingPinger() *countingPinger {
	return &countingPinger{pings: make(map[string]int), failOn: make(map[string]bool)}
}

func (p *countingPinger) Ping(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn[id] {
		return errors.New("connection not found")
	}
	p.pings[id]++
	return nil
}

func (p *countingPinger) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pings[id]
}

func TestSweep(t *testing.T) {
	pinger := newCountingPinger()
	pinger.failOn["gone"] = true
	m := NewMonitor(time.Hour, staticLister{"a", "gone", "b"}, pinger, nil)

	if sent := m.Sweep(); sent != 2 {
		t.Errorf("Expected 2 delivered pings, got %d", sent)
	}
	if pinger.count("a") != 1 || pinger.count("b") != 1 {
		t.Errorf("Each device should be pinged once: %v", pinger.pings)
	}
}

func TestSweepWithoutDevices(t *testing.T) {
	m := NewMonitor(time.Hour, staticLister{}, newCountingPinger(), nil)
	if sent := m.Sweep(); sent != 0 {
		t.Errorf("Expected no pings, got %d", sent)
	}
}

func TestRunTicksUntilCancelled(t *testing.T) {
	pinger := newCountingPinger()
	m := NewMonitor(10*time.Millisecond, staticLister{"a"}, pinger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pinger.count("a") < 2 {
		if time.Now().After(deadline) {
			t.Fatal("Monitor did not tick")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDefaultInterval(t *testing.T) {
	m := NewMonitor(0, staticLister{}, newCountingPinger(), nil)
	if m.interval != 25*time.Second {
		t.Errorf("Expected 25s default, got %v", m.interval)
	}
}
