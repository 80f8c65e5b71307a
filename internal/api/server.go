package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eduardogoldoni/controlesautomaticos/internal/audit"
	"github.com/eduardogoldoni/controlesautomaticos/internal/bridge"
	"github.com/eduardogoldoni/controlesautomaticos/internal/device"
	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/config"
	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/logging"
	"github.com/eduardogoldoni/controlesautomaticos/internal/store"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// DeviceLister returns the raw vendor device list.
type DeviceLister interface {
	ListDevices(ctx context.Context) ([]map[string]any, error)
}

// StatusReader reads the normalised status of one device.
type StatusReader interface {
	Read(ctx context.Context, id string) (*device.Status, error)
}

// Controller runs manual commands and registry reloads.
// Satisfied by *bridge.Bridge.
type Controller interface {
	Control(ctx context.Context, id string, action device.PowerState, source string) (*bridge.TelemetryRecord, error)
	Reload(ctx context.Context) error
}

// DeviceSet is the read side of the monitored device registry.
type DeviceSet interface {
	Mode() device.Mode
	Snapshot() []string
	LastRefresh() time.Time
}

// TelemetryFeed delivers telemetry written by the bridge.
// Satisfied by *bridge.Publisher.
type TelemetryFeed interface {
	OnTelemetry(fn func(bridge.TelemetryEvent))
}

// AuditLister reads the command audit trail.
type AuditLister interface {
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// HealthChecker is implemented by infrastructure clients reported on /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger

	Vendor  DeviceLister
	Reader  StatusReader
	Bridge  Controller
	Devices DeviceSet
	Store   store.Store
	Paths   store.Paths

	// Optional.
	Telemetry TelemetryFeed
	Audit     AuditLister
	Gatherer  prometheus.Gatherer
	Checks    map[string]HealthChecker

	Version string
}

// Server is the HTTP API server for megbridge.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	vendor    DeviceLister
	reader    StatusReader
	bridge    Controller
	devices   DeviceSet
	store     store.Store
	paths     store.Paths
	telemetry TelemetryFeed
	auditRepo AuditLister
	gatherer  prometheus.Gatherer
	checks    map[string]HealthChecker
	version   string
	startTime time.Time

	server *http.Server
	hub    *Hub
	cancel context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Logger, Vendor, Reader, Bridge, Devices and Store are required
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	case deps.Vendor == nil:
		return nil, fmt.Errorf("vendor client is required")
	case deps.Reader == nil:
		return nil, fmt.Errorf("status reader is required")
	case deps.Bridge == nil:
		return nil, fmt.Errorf("bridge is required")
	case deps.Devices == nil:
		return nil, fmt.Errorf("device registry is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("store is required")
	}

	paths := deps.Paths
	if paths.Root == "" {
		paths = store.NewPaths("")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		vendor:    deps.Vendor,
		reader:    deps.Reader,
		bridge:    deps.Bridge,
		devices:   deps.Devices,
		store:     deps.Store,
		paths:     paths,
		telemetry: deps.Telemetry,
		auditRepo: deps.Audit,
		gatherer:  deps.Gatherer,
		checks:    deps.Checks,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, relays bridge telemetry to it, and launches
// the HTTP listener in a background goroutine. The server can be stopped
// with Close().
//
// Parameters:
//   - ctx: Parent context for the hub (not used for listener lifetime)
//
// Returns:
//   - error: Always nil; listener failures are logged
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	if s.telemetry != nil {
		s.telemetry.OnTelemetry(func(ev bridge.TelemetryEvent) {
			s.hub.Publish(ev)
		})
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Handler returns the fully wired router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
