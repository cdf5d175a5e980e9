package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wricardo/sensor-relay/iot/protocol"
)

// Device simulates one sensor with an LED actuator.
type Device struct {
	name     string
	wsURL    string
	minDelay time.Duration
	maxDelay time.Duration
	logger   *slog.Logger

	rng          *rand.Rand
	baseTemp     float64
	baseHumidity float64

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu  sync.Mutex
	led bool
}

// NewDevice creates a simulator for name that reports every minDelay to
// maxDelay. serverURL may use http(s) or ws(s).
func NewDevice(name, serverURL string, minDelay, maxDelay time.Duration, seed uint64, logger *slog.Logger) (*Device, error) {
	wsURL, err := websocketURL(serverURL)
	if err != nil {
		return nil, err
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return &Device{
		name:         name,
		wsURL:        wsURL,
		minDelay:     minDelay,
		maxDelay:     maxDelay,
		logger:       logger.With("device", name),
		rng:          rng,
		baseTemp:     20 + rng.Float64()*10,
		baseHumidity: 40 + rng.Float64()*20,
	}, nil
}

// websocketURL turns a relay base URL into its /ws endpoint.
func websocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// LED reports the simulated actuator state.
func (d *Device) LED() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.led
}

// Reading returns the next sample: the device's base values with a small
// variation, rounded to one decimal and clamped to 0-50°C and 0-100%.
func (d *Device) Reading() (temperature, humidity float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	temperature = clamp(round1(d.baseTemp+(d.rng.Float64()-0.5)*4), 0, 50)
	humidity = clamp(round1(d.baseHumidity+(d.rng.Float64()-0.5)*10), 0, 100)
	return temperature, humidity
}

func (d *Device) nextDelay() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	spread := d.maxDelay - d.minDelay
	if spread <= 0 {
		return d.minDelay
	}
	return d.minDelay + time.Duration(d.rng.Int64N(int64(spread)))
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }

// Run connects, registers and reports readings until ctx is cancelled or
// the connection drops.
func (d *Device) Run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.wsURL, http.Header{})
	if err != nil {
		return fmt.Errorf("%s: dial failed: %w", d.name, err)
	}
	d.conn = conn
	defer conn.Close()

	d.logger.Info("connected", "url", d.wsURL)
	if err := d.send(protocol.EventRegisterDevice, protocol.RegisterDevice{DeviceName: d.name, DeviceType: "simulator"}); err != nil {
		return err
	}

	registered := make(chan struct{})
	readErr := make(chan error, 1)
	go func() { readErr <- d.readLoop(registered) }()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}
		d.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		d.writeMu.Unlock()
		conn.Close()
	}()

	select {
	case <-registered:
	case err := <-readErr:
		return d.exitErr(ctx, err)
	case <-ctx.Done():
		return nil
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return d.exitErr(ctx, err)
		case <-timer.C:
			temp, hum := d.Reading()
			if err := d.send(protocol.EventTemperatureData, protocol.TemperatureData{Temperature: &temp, Humidity: &hum}); err != nil {
				return d.exitErr(ctx, err)
			}
			d.logger.Debug("reading sent", "temperature", temp, "humidity", hum)
			timer.Reset(d.nextDelay())
		}
	}
}

func (d *Device) exitErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%s: %w", d.name, err)
}

func (d *Device) readLoop(registered chan<- struct{}) error {
	var once sync.Once
	for {
		var env protocol.Envelope
		if err := d.conn.ReadJSON(&env); err != nil {
			return err
		}

		switch env.Event {
		case protocol.EventDeviceRegistered:
			d.logger.Info("registered")
			once.Do(func() { close(registered) })

		case protocol.EventLEDControl:
			var cmd protocol.LEDControl
			if err := json.Unmarshal(env.Data, &cmd); err != nil {
				continue
			}
			switch strings.ToLower(cmd.Command) {
			case "on":
				d.setLED(true)
			case "off":
				d.setLED(false)
			default:
				continue
			}
			state := d.LED()
			if err := d.send(protocol.EventLEDState, protocol.LEDState{State: &state}); err != nil {
				return err
			}
			d.logger.Info("led switched", "on", state)

		case protocol.EventHeartbeat:
			if err := d.send(protocol.EventHeartbeatAck, protocol.Heartbeat{Timestamp: time.Now().UTC()}); err != nil {
				return err
			}

		case protocol.EventError:
			var e protocol.ErrorEvent
			json.Unmarshal(env.Data, &e)
			d.logger.Warn("relay error", "code", e.Code, "message", e.Message)
		}
	}
}

func (d *Device) setLED(on bool) {
	d.mu.Lock()
	d.led = on
	d.mu.Unlock()
}

func (d *Device) send(event string, data any) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return d.conn.WriteJSON(protocol.NewMessage(event, data))
}
