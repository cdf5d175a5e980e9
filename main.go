// Command sensor-relay starts the telemetry relay.
//
// It supports two modes:
//  1. "serve" (default) – runs the HTTP server exposing the WebSocket relay,
//     the event stream, the REST API and an /mcp endpoint
//  2. "stdio-mcp" – runs an MCP stdio server against a running relay, or an
//     internal one if none answers
//
// Configuration comes from configs/relay.yaml, RELAY_* environment variables
// and the flags below, in increasing order of precedence.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/urfave/cli/v3"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"

	"github.com/wricardo/sensor-relay/api"
	"github.com/wricardo/sensor-relay/iot/config"
	"github.com/wricardo/sensor-relay/iot/liveness"
	"github.com/wricardo/sensor-relay/iot/relay"
	"github.com/wricardo/sensor-relay/iot/session"
	"github.com/wricardo/sensor-relay/iot/topic"
	"github.com/wricardo/sensor-relay/logger"
	"github.com/wricardo/sensor-relay/transport/mcp"
	"github.com/wricardo/sensor-relay/transport/sse"
	"github.com/wricardo/sensor-relay/transport/websocket"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "Sensor Relay"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		os.Exit(1)
	}
}

// newCommand builds the CLI. The root command runs the server.
func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "sensor-relay",
		Usage:   "relay IoT telemetry between devices and observers",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML config file (default ./configs/relay.yaml if present)",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "HTTP server host",
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "HTTP server port",
				Sources: cli.EnvVars("PORT"),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
			&cli.BoolFlag{
				Name:    "ngrok",
				Usage:   "expose the relay through an ngrok tunnel",
				Sources: cli.EnvVars("NGROK_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "ngrok-auth",
				Usage:   "ngrok auth token",
				Sources: cli.EnvVars("NGROK_AUTHTOKEN", "NGROK_AUTH_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "ngrok-domain",
				Usage:   "custom ngrok domain",
				Sources: cli.EnvVars("NGROK_DOMAIN"),
			},
		},
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the relay HTTP server (default)",
				Action: serveAction,
			},
			{
				Name:    "stdio-mcp",
				Aliases: []string{"mcp"},
				Usage:   "serve MCP tools over stdio",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "api-url",
						Usage: "relay REST API to proxy (default derived from host/port)",
					},
				},
				Action: stdioMCPAction,
			},
		},
	}
}

// loadConfig reads the config file and environment, then applies flag
// overrides.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = int(cmd.Int("port"))
	}
	if cmd.Bool("debug") {
		cfg.Log.Level = "debug"
	}
	if cmd.IsSet("ngrok") {
		cfg.Ngrok.Enabled = cmd.Bool("ngrok")
	}
	if cmd.IsSet("ngrok-auth") {
		cfg.Ngrok.AuthToken = cmd.String("ngrok-auth")
	}
	if cmd.IsSet("ngrok-domain") {
		cfg.Ngrok.Domain = cmd.String("ngrok-domain")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func initLogger(cfg *config.Config, out io.Writer) io.Closer {
	return logger.Init(logger.Options{
		Output:     out,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
}

// localURL is the loopback URL of the configured listener.
func localURL(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port))
}

// services is the wired relay stack shared by both modes.
type services struct {
	store    topic.Store
	relay    *relay.Relay
	hub      *websocket.Hub
	stream   *sse.Broadcaster
	monitor  *liveness.Monitor
	api      *api.Server
	restored int
}

// initializeServices opens the snapshot store, restores persisted topics
// and wires the relay to its transports.
func initializeServices(ctx context.Context, cfg *config.Config) (*services, error) {
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}

	registry := topic.NewRegistry()
	topics, err := store.LoadAll(ctx)
	if err != nil {
		store.Close(ctx)
		return nil, fmt.Errorf("failed to load persisted topics: %w", err)
	}
	restored := registry.Restore(topics)

	log := slog.Default()
	hub := websocket.NewHub(websocket.Options{
		SendBuffer:     cfg.Relay.SendBuffer,
		MaxMessageSize: cfg.Relay.MaxMessageSize,
		RateLimit:      cfg.Relay.RateLimit,
		RateBurst:      cfg.Relay.RateBurst,
	}, log)
	stream := sse.NewBroadcaster(cfg.Stream.KeepAliveInterval, cfg.Stream.WriteTimeout, log)
	r := relay.New(registry, session.NewTable(registry), hub, stream, log)

	return &services{
		store:    store,
		relay:    r,
		hub:      hub,
		stream:   stream,
		monitor:  liveness.NewMonitor(cfg.Relay.HeartbeatInterval, r, hub, log),
		api:      api.NewServer(r, hub, stream, Version, log),
		restored: restored,
	}, nil
}

// openStore selects the snapshot store for the configured driver.
func openStore(ctx context.Context, cfg config.StoreConfig) (topic.Store, error) {
	switch cfg.Driver {
	case "file":
		return topic.NewFileStore(cfg.File.Dir)
	case "mongo":
		return topic.NewMongoStore(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection)
	case "postgres":
		return topic.NewPostgresStore(ctx, cfg.Postgres.DSN)
	case "memory", "":
		return topic.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// flushTopics writes the current snapshot of every topic to the store.
func flushTopics(ctx context.Context, r *relay.Relay, store topic.Store) error {
	topics := r.Topics()
	if len(topics) == 0 {
		return nil
	}
	if err := store.SaveAll(ctx, topics); err != nil {
		return fmt.Errorf("failed to flush %d topics: %w", len(topics), err)
	}
	return nil
}

// snapshotRoutine flushes topics on a fixed interval until ctx is done.
func snapshotRoutine(ctx context.Context, r *relay.Relay, store topic.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := flushTopics(ctx, r, store); err != nil {
				slog.Warn("snapshot flush failed", "error", err)
			}
		}
	}
}

// mcpHandler serves single JSON-RPC messages posted to /mcp.
func mcpHandler(mcpServer *server.MCPServer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := mcpServer.HandleMessage(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		responseData, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Write(responseData)
	})
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	closer := initLogger(cfg, nil)
	defer closer.Close()

	slog.Info("starting", "app", AppName, "version", Version, "store", cfg.Store.Driver)
	return runHTTPServer(ctx, cfg)
}

// runHTTPServer serves the relay until ctx is cancelled, then shuts down in
// order: background loops, streams, HTTP server, final snapshot, store.
func runHTTPServer(ctx context.Context, cfg *config.Config) error {
	svc, err := initializeServices(ctx, cfg)
	if err != nil {
		return err
	}
	if svc.restored > 0 {
		slog.Info("restored topics", "count", svc.restored)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	background := func(run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(runCtx)
		}()
	}
	background(svc.hub.Run)
	background(svc.monitor.Run)
	background(func(ctx context.Context) {
		snapshotRoutine(ctx, svc.relay, svc.store, cfg.Store.FlushInterval)
	})

	mcpClient := mcp.NewClient(localURL(cfg), Version)
	svc.api.Handle("/mcp", mcpHandler(mcpClient.GetMCPServer()))

	addr := cfg.Server.Addr()
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      svc.api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		slog.Info("endpoints",
			"websocket", "ws://"+addr+"/ws",
			"stream", "http://"+addr+"/api/stream?deviceName=<name>",
			"mcp", "http://"+addr+"/mcp",
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if cfg.Ngrok.Enabled {
		background(func(ctx context.Context) {
			runNgrok(ctx, cfg.Ngrok, svc.api)
		})
	}

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("HTTP server failed: %w", err)
	}

	cancel()
	svc.stream.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	wg.Wait()

	if err := flushTopics(shutdownCtx, svc.relay, svc.store); err != nil {
		slog.Error("final snapshot failed", "error", err)
	}
	if err := svc.store.Close(shutdownCtx); err != nil {
		slog.Error("store close failed", "error", err)
	}

	slog.Info("server stopped")
	return runErr
}

// runNgrok serves handler through an ngrok tunnel until ctx is cancelled.
func runNgrok(ctx context.Context, cfg config.NgrokConfig, handler http.Handler) {
	if cfg.AuthToken == "" {
		slog.Warn("ngrok enabled but no auth token provided (use --ngrok-auth or NGROK_AUTHTOKEN)")
		return
	}

	var tunnel ngrokConfig.Tunnel
	if cfg.Domain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(cfg.Domain))
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(cfg.AuthToken))
	if err != nil {
		slog.Error("failed to start ngrok tunnel", "error", err)
		return
	}

	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			slog.Warn("failed to close ngrok tunnel", "error", err)
		}
	}()

	slog.Info("ngrok tunnel established", "url", tun.URL())
	if err := http.Serve(tun, handler); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		slog.Error("ngrok server error", "error", err)
	}
	slog.Info("ngrok tunnel closed")
}

// apiReachable reports whether a relay answers /health at baseURL.
func apiReachable(baseURL string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func stdioMCPAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// stdout carries the MCP protocol
	closer := initLogger(cfg, os.Stderr)
	defer closer.Close()

	baseURL := cmd.String("api-url")
	if baseURL == "" {
		baseURL = localURL(cfg)
	}

	if apiReachable(baseURL) {
		slog.Info("using external relay for MCP", "url", baseURL)
	} else {
		slog.Info("no relay found, starting internal HTTP server", "checked", baseURL)
		internalURL, shutdown, err := startInternalServer(ctx, cfg)
		if err != nil {
			return err
		}
		defer shutdown()
		baseURL = internalURL
	}

	mcpClient := mcp.NewClient(baseURL, Version)
	slog.Info("MCP stdio server ready", "api", baseURL)
	return server.ServeStdio(mcpClient.GetMCPServer())
}

// startInternalServer runs the relay on a random loopback port for the
// stdio MCP mode and returns its URL and a shutdown func.
func startInternalServer(ctx context.Context, cfg *config.Config) (string, func(), error) {
	svc, err := initializeServices(ctx, cfg)
	if err != nil {
		return "", nil, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		svc.store.Close(ctx)
		return "", nil, fmt.Errorf("failed to get available port: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	go svc.hub.Run(runCtx)
	go svc.monitor.Run(runCtx)

	httpServer := &http.Server{Handler: svc.api}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("internal HTTP server error", "error", err)
		}
	}()

	shutdown := func() {
		cancel()
		svc.stream.Close()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		if err := flushTopics(shutdownCtx, svc.relay, svc.store); err != nil {
			slog.Error("final snapshot failed", "error", err)
		}
		svc.store.Close(shutdownCtx)
	}
	return "http://" + listener.Addr().String(), shutdown, nil
}
