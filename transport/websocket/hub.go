package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wricardo/sensor-relay/iot/protocol"
	"github.com/wricardo/sensor-relay/iot/relay"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrSendBufferFull     = errors.New("send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Sensors and dashboards connect from anywhere
		return true
	},
}

// EventHandler consumes inbound events. Handle is called sequentially per
// connection, so events from one connection are processed in order.
type EventHandler interface {
	Handle(connectionID string, env protocol.Envelope) error
	Reject(connectionID string, err error)
	Disconnect(connectionID string)
}

// Options tune per-connection limits. Zero values use the defaults.
type Options struct {
	SendBuffer     int
	MaxMessageSize int64
	RateLimit      float64
	RateBurst      int
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 40
	}
	return o
}

// Client is one WebSocket connection
type Client struct {
	hub     *Hub
	id      string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

// Hub maintains the set of active connections and delivers messages to them
type Hub struct {
	// Registered clients by connection ID
	mu      sync.RWMutex
	clients map[string]*Client

	// Unregister requests from clients
	unregister chan *Client

	done    chan struct{}
	stopped sync.Once
	opts    Options
	logger  *slog.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		opts:       opts.withDefaults(),
		logger:     logger.With("component", "websocket"),
	}
}

// Run processes unregistrations until ctx is cancelled, then closes every
// remaining connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.unregister:
			h.unregisterClient(client)

		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *Hub) shutdown() {
	h.stopped.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
}

// ServeWS upgrades the request and starts the client pumps. Inbound events
// go to handler.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, handler EventHandler) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     h,
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, h.opts.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(h.opts.RateLimit), h.opts.RateBurst),
	}

	// Registered before the pumps start so replies to the first event have
	// somewhere to go
	h.registerClient(client)

	go client.writePump()
	go client.readPump(handler)
}

// Send queues a message for one connection without blocking. A connection
// whose buffer is full is closed.
func (h *Hub) Send(connectionID string, msg protocol.Message) error {
	h.mu.RLock()
	client, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return client.enqueue(data)
}

// Ping sends an application heartbeat to one connection
func (h *Hub) Ping(connectionID string) error {
	return h.Send(connectionID, protocol.NewMessage(protocol.EventHeartbeat, protocol.Heartbeat{Timestamp: time.Now()}))
}

// ConnectionCount returns the number of open connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// registerClient adds a client to the hub
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client.id] = client
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("client connected", "conn", client.id, "remote", client.conn.RemoteAddr().String(), "total", total)
}

// unregisterClient removes a client from the hub
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	if current, ok := h.clients[client.id]; ok && current == client {
		delete(h.clients, client.id)
	}
	total := len(h.clients)
	h.mu.Unlock()

	client.close()
	h.logger.Debug("client disconnected", "conn", client.id, "remaining", total)
}

func (c *Client) enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		// Client's send channel is full, drop the connection
		c.hub.logger.Warn("send buffer full, closing connection", "conn", c.id)
		c.close()
		return ErrSendBufferFull
	}
}

// close stops the write pump. The send channel is never closed so a
// concurrent enqueue can not panic.
func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// readPump pumps messages from the WebSocket connection to the handler
func (c *Client) readPump(handler EventHandler) {
	defer func() {
		handler.Disconnect(c.id)
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read error", "conn", c.id, "error", err)
			}
			return
		}
		// Any inbound frame proves the peer is alive
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			handler.Reject(c.id, &protocol.ValidationError{Field: "event", Reason: "malformed frame"})
			continue
		}
		if !c.limiter.Allow() {
			handler.Reject(c.id, relay.ErrRateLimited)
			continue
		}
		handler.Handle(c.id, env)
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			// One event per frame so peers can decode each frame on its own
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
