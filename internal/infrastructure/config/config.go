package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// ErrConfig is returned when the configuration is incomplete or invalid.
// It is fatal at startup: the bridge never runs with partial configuration.
var ErrConfig = errors.New("config: invalid configuration")

// Store backends understood by the bridge.
const (
	StoreBackendFirebase = "firebase"
	StoreBackendMQTT     = "mqtt"
	StoreBackendMemory   = "memory"
)

// DiscoveryKeyword selects automatic device discovery in devices.ids.
const DiscoveryKeyword = "AUTO"

// Config is the root configuration structure for megbridge.
// Values come from defaults, an optional YAML file, then environment variables.
type Config struct {
	Vendor    VendorConfig    `yaml:"vendor"`
	Store     StoreConfig     `yaml:"store"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Devices   DevicesConfig   `yaml:"devices"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// VendorConfig contains eWeLink cloud account and API settings.
type VendorConfig struct {
	Email           string `yaml:"email" env:"EWL_EMAIL"`
	Password        string `yaml:"password" env:"EWL_PASSWORD"`
	Region          string `yaml:"region" env:"EWL_REGION"`
	APIBase         string `yaml:"api_base" env:"EWL_API_BASE"`
	AppID           string `yaml:"app_id" env:"EWL_APP_ID"`
	AppSecret       string `yaml:"app_secret" env:"EWL_APP_SECRET"`
	CountryCode     string `yaml:"country_code" env:"EWL_COUNTRY_CODE"`
	TimeoutMS       int    `yaml:"timeout_ms" env:"EWL_TIMEOUT_MS"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min" env:"EWL_RATE_LIMIT_PER_MIN"`

	// TokenTTLMinutes bounds how long an access token is trusted before
	// the session refreshes it.
	TokenTTLMinutes int `yaml:"token_ttl_minutes" env:"EWL_TOKEN_TTL_MINUTES"`
}

// StoreConfig selects and configures the realtime key-value store.
type StoreConfig struct {
	Backend  string         `yaml:"backend" env:"STORE_BACKEND"`
	Root     string         `yaml:"root" env:"STORE_ROOT"`
	Firebase FirebaseConfig `yaml:"firebase"`
}

// FirebaseConfig contains Firebase Realtime Database credentials.
// When the service-account fields are empty, ambient Google credentials are used.
type FirebaseConfig struct {
	ProjectID   string `yaml:"project_id" env:"FIREBASE_PROJECT_ID"`
	ClientEmail string `yaml:"client_email" env:"FIREBASE_CLIENT_EMAIL"`
	PrivateKey  string `yaml:"private_key" env:"FIREBASE_PRIVATE_KEY"`
	DatabaseURL string `yaml:"database_url" env:"FIREBASE_DATABASE_URL"`
}

// HasServiceAccount reports whether explicit service-account credentials are configured.
func (f FirebaseConfig) HasServiceAccount() bool {
	return f.ClientEmail != "" && f.PrivateKey != ""
}

// MQTTConfig contains MQTT broker connection settings (store backend "mqtt").
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host" env:"MEGBRIDGE_MQTT_HOST"`
	Port     int    `yaml:"port" env:"MEGBRIDGE_MQTT_PORT"`
	TLS      bool   `yaml:"tls" env:"MEGBRIDGE_MQTT_TLS"`
	ClientID string `yaml:"client_id" env:"MEGBRIDGE_MQTT_CLIENT_ID"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username" env:"MEGBRIDGE_MQTT_USERNAME"`
	Password string `yaml:"password" env:"MEGBRIDGE_MQTT_PASSWORD"`
}

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// DevicesConfig controls which devices are monitored.
type DevicesConfig struct {
	// IDs is "AUTO" (or empty) for discovery, otherwise a comma-separated id list.
	IDs               string `yaml:"ids" env:"SONOFF_DEVICE_IDS"`
	RefreshIntervalMS int    `yaml:"refresh_interval_ms" env:"DEVICE_REFRESH_MS"`
}

// IsDiscovery reports whether the monitored set is discovered from the account.
func (d DevicesConfig) IsDiscovery() bool {
	ids := strings.TrimSpace(d.IDs)
	return ids == "" || strings.EqualFold(ids, DiscoveryKeyword)
}

// BridgeConfig contains polling and command handling settings.
type BridgeConfig struct {
	PollIntervalMS   int           `yaml:"poll_interval_ms" env:"POLL_INTERVAL_MS"`
	SweepConcurrency int           `yaml:"sweep_concurrency" env:"SWEEP_CONCURRENCY"`
	QueueSize        int           `yaml:"queue_size" env:"COMMAND_QUEUE_SIZE"`
	Commands         CommandConfig `yaml:"commands"`
}

// CommandConfig sets the policy for commands whose execution failed.
//
// The default (zero retries, no clear) is at-most-once: the inbox entry is left
// untouched and only a rewrite by the external actor triggers another attempt.
type CommandConfig struct {
	RetryAttempts  int  `yaml:"retry_attempts" env:"COMMAND_RETRY_ATTEMPTS"`
	RetryDelayMS   int  `yaml:"retry_delay_ms" env:"COMMAND_RETRY_DELAY_MS"`
	ClearOnFailure bool `yaml:"clear_on_failure" env:"COMMAND_CLEAR_ON_FAILURE"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port" env:"PORT"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains live telemetry feed settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings for bridge statistics.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled" env:"INFLUXDB_ENABLED"`
	URL           string `yaml:"url" env:"INFLUXDB_URL"`
	Token         string `yaml:"token" env:"INFLUXDB_TOKEN"`
	Org           string `yaml:"org" env:"INFLUXDB_ORG"`
	Bucket        string `yaml:"bucket" env:"INFLUXDB_BUCKET"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// DatabaseConfig contains SQLite settings for the command audit log.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled" env:"MEGBRIDGE_DATABASE_ENABLED"`
	Path        string `yaml:"path" env:"MEGBRIDGE_DATABASE_PATH"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
	Output string `yaml:"output" env:"LOG_OUTPUT"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains bearer token settings for the control endpoints.
// An empty secret leaves the API open.
type JWTConfig struct {
	Secret string `yaml:"secret" env:"MEGBRIDGE_JWT_SECRET"`
}

// Load reads configuration and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values, when path is non-empty and the file exists
//  3. Environment variables (override file values)
//
// Environment variable names match existing deployments (EWL_EMAIL,
// FIREBASE_DATABASE_URL, SONOFF_DEVICE_IDS, POLL_INTERVAL_MS, PORT, ...).
//
// Parameters:
//   - path: Path to the YAML configuration file (optional)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If the file cannot be parsed or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Environment-only deployments have no file.
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Vendor: VendorConfig{
			Region:          "us",
			CountryCode:     "+1",
			TimeoutMS:       15000,
			RateLimitPerMin: 60,
			TokenTTLMinutes: 24 * 60,
		},
		Store: StoreConfig{
			Backend: StoreBackendFirebase,
			Root:    "meg",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "megbridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Devices: DevicesConfig{
			IDs:               DiscoveryKeyword,
			RefreshIntervalMS: 60000,
		},
		Bridge: BridgeConfig{
			PollIntervalMS:   8000,
			SweepConcurrency: 4,
			QueueSize:        64,
			Commands: CommandConfig{
				RetryDelayMS: 2000,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 10000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/megbridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides decodes the env-tagged fields of cfg from the process environment.
// Variables that are not set leave the current value untouched.
func applyEnvOverrides(cfg *Config) error {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("%w: environment: %w", ErrConfig, err)
	}

	// Private keys are usually pasted into env files with escaped newlines.
	cfg.Store.Firebase.PrivateKey = strings.ReplaceAll(cfg.Store.Firebase.PrivateKey, `\n`, "\n")
	return nil
}

// Validate checks the configuration for missing credentials and invalid values.
//
// Returns:
//   - error: wrapping ErrConfig with every problem found, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Vendor credentials are required: nothing works without a session.
	if c.Vendor.Email == "" {
		errs = append(errs, "vendor.email is required (set EWL_EMAIL)")
	}
	if c.Vendor.Password == "" {
		errs = append(errs, "vendor.password is required (set EWL_PASSWORD)")
	}
	if c.Vendor.AppID == "" {
		errs = append(errs, "vendor.app_id is required (set EWL_APP_ID)")
	}
	if c.Vendor.AppSecret == "" {
		errs = append(errs, "vendor.app_secret is required (set EWL_APP_SECRET)")
	}
	if c.Vendor.Region == "" && c.Vendor.APIBase == "" {
		errs = append(errs, "vendor.region or vendor.api_base is required")
	}
	if c.Vendor.TimeoutMS <= 0 {
		errs = append(errs, "vendor.timeout_ms must be positive")
	}

	switch c.Store.Backend {
	case StoreBackendFirebase:
		if c.Store.Firebase.DatabaseURL == "" {
			errs = append(errs, "store.firebase.database_url is required (set FIREBASE_DATABASE_URL)")
		}
		if (c.Store.Firebase.ClientEmail == "") != (c.Store.Firebase.PrivateKey == "") {
			errs = append(errs, "store.firebase.client_email and private_key must be set together")
		}
	case StoreBackendMQTT:
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required for the mqtt store")
		}
	case StoreBackendMemory:
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q must be firebase, mqtt or memory", c.Store.Backend))
	}
	if strings.Trim(c.Store.Root, "/") == "" {
		errs = append(errs, "store.root is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Devices.RefreshIntervalMS <= 0 {
		errs = append(errs, "devices.refresh_interval_ms must be positive")
	}
	if c.Bridge.PollIntervalMS <= 0 {
		errs = append(errs, "bridge.poll_interval_ms must be positive")
	}
	if c.Bridge.SweepConcurrency <= 0 {
		errs = append(errs, "bridge.sweep_concurrency must be positive")
	}
	if c.Bridge.QueueSize <= 0 {
		errs = append(errs, "bridge.queue_size must be positive")
	}
	if c.Bridge.Commands.RetryAttempts < 0 {
		errs = append(errs, "bridge.commands.retry_attempts cannot be negative")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the audit log is enabled")
	}

	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfig, strings.Join(errs, "; "))
	}

	return nil
}

// PollInterval returns the telemetry sweep interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Bridge.PollIntervalMS) * time.Millisecond
}

// DeviceRefreshInterval returns the device registry refresh interval.
func (c *Config) DeviceRefreshInterval() time.Duration {
	return time.Duration(c.Devices.RefreshIntervalMS) * time.Millisecond
}

// VendorTimeout returns the per-request vendor API timeout.
func (c *Config) VendorTimeout() time.Duration {
	return time.Duration(c.Vendor.TimeoutMS) * time.Millisecond
}

// CommandRetryDelay returns the pause between local command retries.
func (c *Config) CommandRetryDelay() time.Duration {
	return time.Duration(c.Bridge.Commands.RetryDelayMS) * time.Millisecond
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
