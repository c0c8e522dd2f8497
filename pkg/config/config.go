// Package config loads gateway configuration from defaults, an optional YAML
// file, and environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/r3e-labs/instrument-gateway/pkg/logger"
)

// ServerConfig controls the HTTP/duplex gateway listener.
type ServerConfig struct {
	Host              string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port              int    `json:"port" yaml:"port" env:"SERVER_PORT"`
	HeartbeatSeconds  int    `json:"heartbeat_seconds" yaml:"heartbeat_seconds" env:"SERVER_HEARTBEAT_SECONDS"`
	CommandRatePerMin int    `json:"command_rate_per_min" yaml:"command_rate_per_min" env:"SERVER_COMMAND_RATE_PER_MIN"`
	// CORSAllowedOrigins is a comma-separated origin list ("*" allows any);
	// empty disables cross-origin responses entirely.
	CORSAllowedOrigins string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" env:"SERVER_CORS_ALLOWED_ORIGINS"`
}

// StorageConfig controls where small JSON state files are persisted.
type StorageConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir" env:"DATA_DIR"`
}

// TransportConfig selects the instrument transport backend.
type TransportConfig struct {
	// Backend is "mock" or "real". Mock drivers are used for tests and demos;
	// "real" has no driver implementation, and cmd/gatewayd exits with code 2
	// when it is selected.
	Backend string `json:"backend" yaml:"backend" env:"TRANSPORT_BACKEND"`
}

// TimeoutConfig controls default deadlines across the system.
type TimeoutConfig struct {
	OperationMillis    int `json:"operation_millis" yaml:"operation_millis" env:"TIMEOUT_OPERATION_MILLIS"`
	DefaultLockSeconds int `json:"default_lock_seconds" yaml:"default_lock_seconds" env:"TIMEOUT_DEFAULT_LOCK_SECONDS"`
	SessionSeconds     int `json:"session_seconds" yaml:"session_seconds" env:"TIMEOUT_SESSION_SECONDS"`
	DegradedCooldownMs int `json:"degraded_cooldown_millis" yaml:"degraded_cooldown_millis" env:"TIMEOUT_DEGRADED_COOLDOWN_MILLIS"`
}

// LocksConfig controls whether control commands require the exclusive lock.
// Read commands are not lock-checked either way.
type LocksConfig struct {
	Enforce bool `json:"enforce" yaml:"enforce" env:"LOCKS_ENFORCE"`
}

// LoggingConfig controls structured logging.
type LoggingConfig = logger.LoggingConfig

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Timeouts  TimeoutConfig   `json:"timeouts" yaml:"timeouts"`
	Locks     LocksConfig     `json:"locks" yaml:"locks"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			HeartbeatSeconds:  15,
			CommandRatePerMin: 600,
		},
		Storage: StorageConfig{
			DataDir: "data",
		},
		Transport: TransportConfig{
			Backend: "mock",
		},
		Timeouts: TimeoutConfig{
			OperationMillis:    2000,
			DefaultLockSeconds: 600,
			SessionSeconds:     600,
			DegradedCooldownMs: 5000,
		},
		Locks: LocksConfig{
			Enforce: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "instrument-gateway",
		},
	}
}

// Load loads configuration from an optional file and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged field was present in the
		// environment; treat that as "no overrides" so local runs work
		// without exporting anything.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from a YAML file, applying defaults first.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	if c.Transport.Backend == "" {
		c.Transport.Backend = "mock"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
}
