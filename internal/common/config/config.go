// Package config provides configuration management for agentwire.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentwire.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Agents  AgentsConfig  `mapstructure:"agents"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig selects and configures the message store backend.
type StorageConfig struct {
	// Backend is one of: memory, sqlite, postgres
	Backend string `mapstructure:"backend"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `mapstructure:"sqlitePath"`

	// Postgres connection settings for the postgres backend.
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for the container runtime.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Image      string `mapstructure:"image"`
	Network    string `mapstructure:"network"`
}

// AgentsConfig holds settings applied to spawned agent subprocesses.
type AgentsConfig struct {
	// WorkDir is the default working directory for agent sessions.
	WorkDir string `mapstructure:"workDir"`

	// DefaultTimeout is the per-request timeout in seconds for most methods.
	DefaultTimeout int `mapstructure:"defaultTimeout"`

	// PromptTimeout is the timeout in seconds for session/prompt requests.
	PromptTimeout int `mapstructure:"promptTimeout"`

	// DecisionTimeout is the bounded wait in seconds for a human decision
	// before a default-deny is synthesized.
	DecisionTimeout int `mapstructure:"decisionTimeout"`

	// CredentialPrefix is the env var prefix scanned for agent API keys.
	CredentialPrefix string `mapstructure:"credentialPrefix"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DefaultTimeoutDuration returns the default request timeout as a time.Duration.
func (a *AgentsConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(a.DefaultTimeout) * time.Second
}

// PromptTimeoutDuration returns the prompt request timeout as a time.Duration.
func (a *AgentsConfig) PromptTimeoutDuration() time.Duration {
	return time.Duration(a.PromptTimeout) * time.Second
}

// DecisionTimeoutDuration returns the human decision wait bound as a time.Duration.
func (a *AgentsConfig) DecisionTimeoutDuration() time.Duration {
	return time.Duration(a.DecisionTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTWIRE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Storage defaults - in-memory store unless configured otherwise
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.sqlitePath", "agentwire.db")
	v.SetDefault("storage.host", "localhost")
	v.SetDefault("storage.port", 5432)
	v.SetDefault("storage.user", "agentwire")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.dbName", "agentwire")
	v.SetDefault("storage.sslMode", "disable")
	v.SetDefault("storage.maxConns", 25)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentwire")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.image", "")
	v.SetDefault("docker.network", "")

	// Agent defaults
	v.SetDefault("agents.workDir", "")
	v.SetDefault("agents.defaultTimeout", 60)
	v.SetDefault("agents.promptTimeout", 1800)
	v.SetDefault("agents.decisionTimeout", 30)
	v.SetDefault("agents.credentialPrefix", "AGENTWIRE_")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTWIRE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentwire/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("storage.sqlitePath", "AGENTWIRE_STORAGE_SQLITE_PATH")
	_ = v.BindEnv("agents.defaultTimeout", "AGENTWIRE_AGENTS_DEFAULT_TIMEOUT")
	_ = v.BindEnv("agents.promptTimeout", "AGENTWIRE_AGENTS_PROMPT_TIMEOUT")
	_ = v.BindEnv("agents.decisionTimeout", "AGENTWIRE_AGENTS_DECISION_TIMEOUT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentwire/")

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

	switch cfg.Storage.Backend {
	case "memory":
	case "sqlite":
		if cfg.Storage.SQLitePath == "" {
			errs = append(errs, "storage.sqlitePath is required for the sqlite backend")
		}
	case "postgres":
		if cfg.Storage.Host == "" {
			errs = append(errs, "storage.host is required for the postgres backend")
		}
		if cfg.Storage.User == "" {
			errs = append(errs, "storage.user is required for the postgres backend")
		}
		if cfg.Storage.DBName == "" {
			errs = append(errs, "storage.dbName is required for the postgres backend")
		}
	default:
		errs = append(errs, "storage.backend must be one of: memory, sqlite, postgres")
	}

	if cfg.Agents.DefaultTimeout <= 0 {
		errs = append(errs, "agents.defaultTimeout must be positive")
	}
	if cfg.Agents.PromptTimeout <= 0 {
		errs = append(errs, "agents.promptTimeout must be positive")
	}
	if cfg.Agents.DecisionTimeout <= 0 {
		errs = append(errs, "agents.decisionTimeout must be positive")
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

// DSN returns the PostgreSQL connection string for the postgres backend.
func (s *StorageConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.Password, s.DBName, s.SSLMode,
	)
}
