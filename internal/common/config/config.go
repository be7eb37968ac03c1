// Package config provides configuration management for the AgentX runtime.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the runtime.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	AuthToken    string `mapstructure:"authToken"`    // empty disables auth (dev mode)
}

// DatabaseConfig holds repository storage configuration.
// Driver selects the backend: "sqlite3" (default, local) or "pgx" (PostgreSQL).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	DataPath string `mapstructure:"dataPath"` // sqlite file path, ":memory:" allowed
	DSN      string `mapstructure:"dsn"`      // postgres connection string
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL disables the
// NATS mirror and keeps event fan-out in-process only.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ProviderConfig holds LLM provider configuration for the local runtime.
type ProviderConfig struct {
	// Name selects the driver: anthropic, openai, google, xai, deepseek,
	// mistral, openai-compatible, or echo (testing).
	Name    string `mapstructure:"name"`
	APIKey  string `mapstructure:"apiKey"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"baseUrl"`
}

// SandboxConfig holds workspace isolation configuration for containers.
type SandboxConfig struct {
	// Backend is "local" (workspace directories) or "docker".
	Backend        string `mapstructure:"backend"`
	WorkspacesPath string `mapstructure:"workspacesPath"`
	DockerHost     string `mapstructure:"dockerHost"`
	DockerImage    string `mapstructure:"dockerImage"`
}

// TimeoutConfig holds the runtime timeout knobs, in the units noted.
type TimeoutConfig struct {
	RequestMs    int `mapstructure:"requestMs"`    // RPC request timeout
	TurnIdleSec  int `mapstructure:"turnIdleSec"`  // driver idle window before a turn fails
	DriverBootMs int `mapstructure:"driverBootMs"` // driver initialization timeout
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TelemetryConfig holds OpenTelemetry trace export configuration.
type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP HTTP endpoint
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RequestTimeout returns the RPC request timeout as a time.Duration.
func (t *TimeoutConfig) RequestTimeout() time.Duration {
	return time.Duration(t.RequestMs) * time.Millisecond
}

// TurnIdleTimeout returns the driver idle window as a time.Duration.
func (t *TimeoutConfig) TurnIdleTimeout() time.Duration {
	return time.Duration(t.TurnIdleSec) * time.Second
}

// DriverBootTimeout returns the driver initialization timeout as a time.Duration.
func (t *TimeoutConfig) DriverBootTimeout() time.Duration {
	return time.Duration(t.DriverBootMs) * time.Millisecond
}

// DataRoot returns the root state directory, default ~/.agentx.
func DataRoot() string {
	if root := os.Getenv("AGENTX_HOME"); root != "" {
		return root
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentx"
	}
	return filepath.Join(home, ".agentx")
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	root := DataRoot()

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.authToken", "")

	// Database defaults: local sqlite under the data root
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dataPath", filepath.Join(root, "data", "agentx.db"))
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means in-process fan-out only
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentx")
	v.SetDefault("nats.maxReconnects", 10)

	// Provider defaults
	v.SetDefault("provider.name", "anthropic")
	v.SetDefault("provider.apiKey", "")
	v.SetDefault("provider.model", "")
	v.SetDefault("provider.baseUrl", "")

	// Sandbox defaults
	v.SetDefault("sandbox.backend", "local")
	v.SetDefault("sandbox.workspacesPath", filepath.Join(root, "workspaces"))
	v.SetDefault("sandbox.dockerHost", "unix:///var/run/docker.sock")
	v.SetDefault("sandbox.dockerImage", "")

	// Timeout defaults per the runtime contract
	v.SetDefault("timeouts.requestMs", 30000)
	v.SetDefault("timeouts.turnIdleSec", 300)
	v.SetDefault("timeouts.driverBootMs", 60000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4318")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// the data root, or /etc/agentx/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names differ from config keys.
	// The LLM_PROVIDER_* variables are the documented driver-layer contract.
	_ = v.BindEnv("provider.apiKey", "LLM_PROVIDER_KEY", "AGENTX_PROVIDER_API_KEY")
	_ = v.BindEnv("provider.baseUrl", "LLM_PROVIDER_URL", "AGENTX_PROVIDER_BASE_URL")
	_ = v.BindEnv("provider.model", "LLM_PROVIDER_MODEL", "AGENTX_PROVIDER_MODEL")
	_ = v.BindEnv("database.dataPath", "AGENTX_DATA_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(DataRoot())
	v.AddConfigPath("/etc/agentx/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.DataPath == "" {
			errs = append(errs, "database.dataPath is required for sqlite3")
		}
	case "pgx":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for pgx")
		}
	default:
		errs = append(errs, "database.driver must be sqlite3 or pgx")
	}

	switch cfg.Provider.Name {
	case "anthropic", "openai", "google", "xai", "deepseek", "mistral", "openai-compatible", "echo":
	default:
		errs = append(errs, fmt.Sprintf("provider.name %q is not supported", cfg.Provider.Name))
	}

	switch cfg.Sandbox.Backend {
	case "local", "docker":
	default:
		errs = append(errs, "sandbox.backend must be local or docker")
	}

	if cfg.Timeouts.RequestMs <= 0 {
		errs = append(errs, "timeouts.requestMs must be positive")
	}
	if cfg.Timeouts.TurnIdleSec <= 0 {
		errs = append(errs, "timeouts.turnIdleSec must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
