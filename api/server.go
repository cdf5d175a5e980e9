package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/wricardo/sensor-relay/iot/protocol"
	"github.com/wricardo/sensor-relay/iot/relay"
	"github.com/wricardo/sensor-relay/iot/topic"
	"github.com/wricardo/sensor-relay/transport/sse"
	"github.com/wricardo/sensor-relay/transport/websocket"
)

// RequestIDHeader carries the per-request correlation ID.
const RequestIDHeader = "X-Request-ID"

// Server represents the REST API server
type Server struct {
	relay   *relay.Relay
	hub     *websocket.Hub
	stream  *sse.Broadcaster
	router  *mux.Router
	logger  *slog.Logger
	version string
	started time.Time
}

// NewServer creates a new API server
func NewServer(r *relay.Relay, hub *websocket.Hub, stream *sse.Broadcaster, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		relay:   r,
		hub:     hub,
		stream:  stream,
		router:  mux.NewRouter(),
		logger:  logger.With("component", "api"),
		version: version,
		started: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestID)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()

	// Devices
	api.HandleFunc("/devices", s.handleRegisterDevice).Methods("POST")
	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{name}", s.handleGetDevice).Methods("GET")

	// Telemetry push for devices without a persistent connection
	api.HandleFunc("/data", s.handlePushData).Methods("POST")

	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	// Secondary stream
	api.Handle("/stream", s.stream).Methods("GET")

	// WebSocket
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handle mounts an extra handler, such as the MCP endpoint, on the router.
func (s *Server) Handle(path string, handler http.Handler) {
	s.router.Handle(path, handler)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestID tags every request with an ID, reusing one supplied by the
// caller.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "request_id", id)
		next.ServeHTTP(w, r)
	})
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Device Handlers

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceName string `json:"deviceName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	_, existed := s.relay.Topic(strings.TrimSpace(req.DeviceName))
	t, err := s.relay.EnsureDevice(req.DeviceName)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}
	respondJSON(w, status, map[string]interface{}{
		"success": true,
		"device":  t,
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	topics := s.relay.Topics()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(topics),
		"devices":   topics,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	t, ok := s.relay.Topic(name)
	if !ok {
		respondError(w, http.StatusNotFound, "Device not found")
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handlePushData(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceName  string   `json:"deviceName" validate:"required"`
		Temperature *float64 `json:"temperature" validate:"required"`
		Humidity    *float64 `json:"humidity,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := protocol.Validate(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := s.relay.PushReading(req.DeviceName, topic.Reading{
		Temperature: *req.Temperature,
		Humidity:    req.Humidity,
	})
	if err != nil {
		var verr *protocol.ValidationError
		if errors.As(err, &verr) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("reading pushed", "device", t.Name, "temperature", t.LastTelemetry.Temperature)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"device":  t,
	})
}

// Stats Handler

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.relay.Stats()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"totalDevices":      stats.TotalDevices,
		"onlineDevices":     stats.OnlineDevices,
		"observers":         stats.Observers,
		"deviceSessions":    stats.DeviceSessions,
		"streamSubscribers": s.stream.SubscriberCount(),
		"connections":       s.hub.ConnectionCount(),
		"timestamp":         time.Now().UTC(),
	})
}

// WebSocket Handler

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, s.relay)
}

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"version":   s.version,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC(),
	})
}
