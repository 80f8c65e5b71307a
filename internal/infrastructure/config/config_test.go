package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
vendor:
  email: "owner@example.com"
  password: "secret"
  app_id: "app-id"
  app_secret: "app-secret"
  region: "eu"
store:
  backend: "memory"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Vendor.Email != "owner@example.com" {
		t.Errorf("Vendor.Email = %q, want %q", cfg.Vendor.Email, "owner@example.com")
	}
	if cfg.Vendor.Region != "eu" {
		t.Errorf("Vendor.Region = %q, want %q", cfg.Vendor.Region, "eu")
	}
	if cfg.Store.Backend != StoreBackendMemory {
		t.Errorf("Store.Backend = %q, want %q", cfg.Store.Backend, StoreBackendMemory)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.PollInterval(); got != 8*time.Second {
		t.Errorf("PollInterval() = %v, want 8s", got)
	}
	if got := cfg.DeviceRefreshInterval(); got != 60*time.Second {
		t.Errorf("DeviceRefreshInterval() = %v, want 60s", got)
	}
	if cfg.API.Port != 10000 {
		t.Errorf("API.Port = %d, want 10000", cfg.API.Port)
	}
	if !cfg.Devices.IsDiscovery() {
		t.Error("Devices.IsDiscovery() = false, want true by default")
	}
	if cfg.Store.Root != "meg" {
		t.Errorf("Store.Root = %q, want %q", cfg.Store.Root, "meg")
	}
	if cfg.Bridge.Commands.RetryAttempts != 0 || cfg.Bridge.Commands.ClearOnFailure {
		t.Error("default command policy should be at-most-once without clearing")
	}
}

func TestLoad_MissingFileUsesEnvironment(t *testing.T) {
	t.Setenv("EWL_EMAIL", "env@example.com")
	t.Setenv("EWL_PASSWORD", "pw")
	t.Setenv("EWL_APP_ID", "id")
	t.Setenv("EWL_APP_SECRET", "sec")
	t.Setenv("STORE_BACKEND", "memory")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Vendor.Email != "env@example.com" {
		t.Errorf("Vendor.Email = %q, want env value", cfg.Vendor.Email)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_MissingCredentialsIsConfigError(t *testing.T) {
	_, err := Load(writeConfig(t, "store:\n  backend: memory\n"))
	if err == nil {
		t.Fatal("Load() expected error for missing credentials, got nil")
	}
	if !errors.Is(err, ErrConfig) {
		t.Errorf("Load() error = %v, want ErrConfig", err)
	}
	if !strings.Contains(err.Error(), "EWL_EMAIL") {
		t.Errorf("error should name the missing variable, got %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL_MS", "2500")
	t.Setenv("DEVICE_REFRESH_MS", "30000")
	t.Setenv("PORT", "8081")
	t.Setenv("SONOFF_DEVICE_IDS", "1000aaa, 1000bbb")
	t.Setenv("FIREBASE_PRIVATE_KEY", `-----BEGIN-----\nabc\n-----END-----`)
	t.Setenv("COMMAND_RETRY_ATTEMPTS", "2")

	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got := cfg.PollInterval(); got != 2500*time.Millisecond {
		t.Errorf("PollInterval() = %v, want 2.5s", got)
	}
	if got := cfg.DeviceRefreshInterval(); got != 30*time.Second {
		t.Errorf("DeviceRefreshInterval() = %v, want 30s", got)
	}
	if cfg.API.Port != 8081 {
		t.Errorf("API.Port = %d, want 8081", cfg.API.Port)
	}
	if cfg.Devices.IsDiscovery() {
		t.Error("explicit id list should select static mode")
	}
	if !strings.Contains(cfg.Store.Firebase.PrivateKey, "\nabc\n") {
		t.Errorf("private key newlines not restored: %q", cfg.Store.Firebase.PrivateKey)
	}
	if cfg.Bridge.Commands.RetryAttempts != 2 {
		t.Errorf("RetryAttempts = %d, want 2", cfg.Bridge.Commands.RetryAttempts)
	}
}

func TestDevicesConfig_IsDiscovery(t *testing.T) {
	tests := []struct {
		ids  string
		want bool
	}{
		{"", true},
		{"AUTO", true},
		{"auto", true},
		{"  AUTO  ", true},
		{"1000abc", false},
		{"1000abc,1000def", false},
	}

	for _, tt := range tests {
		t.Run(tt.ids, func(t *testing.T) {
			if got := (DevicesConfig{IDs: tt.ids}).IsDiscovery(); got != tt.want {
				t.Errorf("IsDiscovery(%q) = %v, want %v", tt.ids, got, tt.want)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Vendor.Email = "a@b.c"
		cfg.Vendor.Password = "pw"
		cfg.Vendor.AppID = "id"
		cfg.Vendor.AppSecret = "secret"
		cfg.Store.Firebase.DatabaseURL = "https://example.firebaseio.com"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "firebase without url", mutate: func(c *Config) { c.Store.Firebase.DatabaseURL = "" }, wantErr: true},
		{name: "half a service account", mutate: func(c *Config) { c.Store.Firebase.ClientEmail = "sa@x" }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "redis" }, wantErr: true},
		{name: "mqtt without host", mutate: func(c *Config) {
			c.Store.Backend = StoreBackendMQTT
			c.MQTT.Broker.Host = ""
		}, wantErr: true},
		{name: "zero poll interval", mutate: func(c *Config) { c.Bridge.PollIntervalMS = 0 }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.Bridge.Commands.RetryAttempts = -1 }, wantErr: true},
		{name: "port out of range", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: true},
		{name: "short jwt secret", mutate: func(c *Config) { c.Security.JWT.Secret = "short" }, wantErr: true},
		{name: "influx without url", mutate: func(c *Config) { c.InfluxDB.Enabled = true }, wantErr: true},
		{name: "empty store root", mutate: func(c *Config) { c.Store.Root = "/" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrConfig) {
				t.Errorf("Validate() error = %v, want ErrConfig", err)
			}
		})
	}
}
