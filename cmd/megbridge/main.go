// megbridge - eWeLink cloud to realtime store bridge
//
// This is the main entry point. megbridge polls Sonoff devices through the
// eWeLink cloud API, publishes their telemetry to a realtime store
// (Firebase Realtime Database, MQTT retained topics or memory), executes
// on/off commands written to the store inbox, and serves a small HTTP API.
//
// Usage:
//
//	megbridge            run the bridge
//	megbridge token SUB  print a bearer token for the control endpoints
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/eduardogoldoni/controlesautomaticos/internal/api"
	"github.com/eduardogoldoni/controlesautomaticos/internal/audit"
	"github.com/eduardogoldoni/controlesautomaticos/internal/bridge"
	"github.com/eduardogoldoni/controlesautomaticos/internal/device"
	"github.com/eduardogoldoni/controlesautomaticos/internal/ewelink"
	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/config"
	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/database"
	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/influxdb"
	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/logging"
	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/mqtt"
	"github.com/eduardogoldoni/controlesautomaticos/internal/store"
	"github.com/eduardogoldoni/controlesautomaticos/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path. A missing file is not an error.
const defaultConfigPath = "configs/config.yaml"

// defaultTokenTTL is the lifetime of tokens printed by "megbridge token".
const defaultTokenTTL = 30 * 24 * time.Hour

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := printToken(os.Stdout, os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Startup is all-or-nothing: any configuration, store or database error
// returns before the bridge starts. Once running, it blocks until ctx is
// cancelled and then shuts components down in reverse order.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting megbridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"store", cfg.Store.Backend,
		"level", cfg.Logging.Level,
	)

	checks := make(map[string]api.HealthChecker)

	// Vendor client
	vendor, err := ewelink.New(ewelink.Options{
		Email:           cfg.Vendor.Email,
		Password:        cfg.Vendor.Password,
		Region:          cfg.Vendor.Region,
		CountryCode:     cfg.Vendor.CountryCode,
		AppID:           cfg.Vendor.AppID,
		AppSecret:       cfg.Vendor.AppSecret,
		BaseURL:         cfg.Vendor.APIBase,
		Timeout:         cfg.VendorTimeout(),
		RateLimitPerMin: cfg.Vendor.RateLimitPerMin,
		TokenTTL:        time.Duration(cfg.Vendor.TokenTTLMinutes) * time.Minute,
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("creating eWeLink client: %w", err)
	}

	// Realtime store
	st, closeStore, err := openStore(ctx, cfg, log, checks)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}
	defer closeStore()

	// Audit log (optional)
	var auditRepo *audit.SQLiteRepository
	if cfg.Database.Enabled {
		db, dbErr := database.Open(cfg.Database)
		if dbErr != nil {
			return fmt.Errorf("opening database: %w", dbErr)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		auditRepo = audit.NewSQLiteRepository(db.DB)
		checks["database"] = db
		log.Info("audit log ready", "path", db.Path())
	} else {
		log.Info("audit log disabled")
	}

	// Statistics (optional)
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := bridge.NewMetrics(reg)

	// Device registry and bridge
	registry := device.NewRegistry(vendor, cfg.Devices.IDs)
	registry.SetLogger(log)
	reader := device.NewStatusReader(vendor)

	opts := bridge.Options{
		Vendor:           vendor,
		Reader:           reader,
		Registry:         registry,
		Store:            st,
		Paths:            store.NewPaths(cfg.Store.Root),
		PollInterval:     cfg.PollInterval(),
		RefreshInterval:  cfg.DeviceRefreshInterval(),
		SweepConcurrency: cfg.Bridge.SweepConcurrency,
		QueueSize:        cfg.Bridge.QueueSize,
		Retry: bridge.RetryPolicy{
			Attempts:       cfg.Bridge.Commands.RetryAttempts,
			Delay:          cfg.CommandRetryDelay(),
			ClearOnFailure: cfg.Bridge.Commands.ClearOnFailure,
		},
		Metrics: metrics,
		Logger:  log,
	}
	if auditRepo != nil {
		opts.Audit = auditRepo
	}
	if influxClient != nil {
		opts.Stats = influxClient
	}

	b, err := bridge.New(opts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	// HTTP API
	deps := api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Security:  cfg.Security,
		Logger:    log,
		Vendor:    vendor,
		Reader:    reader,
		Bridge:    b,
		Devices:   registry,
		Store:     st,
		Paths:     store.NewPaths(cfg.Store.Root),
		Telemetry: b.Publisher(),
		Gatherer:  reg,
		Checks:    checks,
		Version:   version,
	}
	if auditRepo != nil {
		deps.Audit = auditRepo
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer b.Stop()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("megbridge running",
		"mode", registry.Mode(),
		"monitored", registry.Count(),
		"port", cfg.API.Port,
	)

	<-ctx.Done()

	// Deferred calls run in reverse order:
	// API server, bridge, InfluxDB, database, store.
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// openStore connects the configured realtime store backend.
// Backends with a health check are added to checks.
//
// Returns:
//   - store.Store: Ready store
//   - func(): Closes the store and anything it depends on
//   - error: If the backend cannot be reached
func openStore(ctx context.Context, cfg *config.Config, log *logging.Logger, checks map[string]api.HealthChecker) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreBackendFirebase:
		fb, err := store.NewFirebase(ctx, cfg.Store.Firebase)
		if err != nil {
			return nil, nil, err
		}
		fb.SetLogger(log)
		log.Info("Firebase store ready",
			"database_url", cfg.Store.Firebase.DatabaseURL,
			"service_account", cfg.Store.Firebase.HasServiceAccount(),
		)
		return fb, func() {
			log.Info("closing Firebase store")
			if err := fb.Close(); err != nil {
				log.Error("error closing Firebase store", "error", err)
			}
		}, nil

	case config.StoreBackendMQTT:
		client, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return nil, nil, err
		}
		client.SetLogger(log)
		client.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		client.SetOnConnect(func() {
			log.Info("MQTT connected")
		})

		ms, err := store.NewMQTT(ctx, client, cfg.Store.Root)
		if err != nil {
			client.Close() //nolint:errcheck // startup already failed
			return nil, nil, err
		}
		ms.SetLogger(log)
		checks["mqtt"] = client
		log.Info("MQTT store ready",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
		return ms, func() {
			log.Info("closing MQTT store")
			if err := ms.Close(); err != nil {
				log.Error("error closing MQTT store", "error", err)
			}
			if err := client.Close(); err != nil {
				log.Error("error closing MQTT", "error", err)
			}
		}, nil

	case config.StoreBackendMemory:
		log.Warn("using in-memory store; state is lost on restart")
		mem := store.NewMemory()
		return mem, func() { mem.Close() }, nil //nolint:errcheck // memory close cannot fail

	default:
		return nil, nil, fmt.Errorf("%w: unknown store backend %q", config.ErrConfig, cfg.Store.Backend)
	}
}

// printToken writes a bearer token for the control endpoints to w.
// args holds the optional subject (default "operator").
func printToken(w io.Writer, args []string) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	subject := "operator"
	if len(args) > 0 && args[0] != "" {
		subject = args[0]
	}
	token, err := api.SignToken(cfg.Security.JWT.Secret, subject, defaultTokenTTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// getConfigPath returns the configuration file path.
// Uses MEGBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MEGBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
