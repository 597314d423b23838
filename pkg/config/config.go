// Package config loads server configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation.
const (
	DefaultBind             = "127.0.0.1:3000"
	DefaultGoogleModel      = "gemini-1.5-flash"
	DefaultDatabasePath     = "aichat.db"
	DefaultLogDir           = "logs"
	DefaultTokenTTL         = 24 * time.Hour
	DefaultMaxConnections   = 256
	DefaultMessageRateLimit = 10.0
	DefaultMessageRateBurst = 20
	DefaultAssistantTimeout = 2 * time.Minute

	// MinSecretLength is the minimum accepted length for the JWT secret.
	MinSecretLength = 32
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Assistant AssistantConfig `yaml:"assistant"`
	Storage   StorageConfig   `yaml:"storage"`
	Bus       BusConfig       `yaml:"bus"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP/websocket listener.
type ServerConfig struct {
	Bind           string   `yaml:"bind"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MaxConnections caps simultaneous websocket clients.
	MaxConnections int `yaml:"max_connections"`
	// MessageRateLimit is inbound messages per second per connection.
	MessageRateLimit float64 `yaml:"message_rate_limit"`
	MessageRateBurst int     `yaml:"message_rate_burst"`
}

// AuthConfig controls credential verification.
type AuthConfig struct {
	// Secret signs and verifies participant tokens. Required.
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// AssistantConfig controls the inline assistant.
type AssistantConfig struct {
	// APIKey for the Google generative language API. Empty disables the
	// assistant; directives then produce failure announcements.
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig controls the SQLite store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// BusConfig controls event publication.
type BusConfig struct {
	// URL of a NATS server. Empty selects the in-process bus.
	URL string `yaml:"url"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Dir string `yaml:"dir"`
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
}

// DefaultConfig returns the baseline configuration before file and env
// overrides.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:             DefaultBind,
			MaxConnections:   DefaultMaxConnections,
			MessageRateLimit: DefaultMessageRateLimit,
			MessageRateBurst: DefaultMessageRateBurst,
		},
		Auth: AuthConfig{
			TokenTTL: DefaultTokenTTL,
		},
		Assistant: AssistantConfig{
			Model:   DefaultGoogleModel,
			Timeout: DefaultAssistantTimeout,
		},
		Storage: StorageConfig{
			DatabasePath: DefaultDatabasePath,
		},
		Logging: LoggingConfig{
			Dir:   DefaultLogDir,
			Level: "info",
		},
	}
}

// Load loads configuration: defaults, then the given YAML file if path is
// non-empty, then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadAndMerge(cfg, path); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("loading config from %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}

// applyEnvOverrides applies AICHAT_* environment variable overrides.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AICHAT_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("AICHAT_ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		cfg.Server.AllowedOrigins = origins
	}
	if v := strings.TrimSpace(os.Getenv("AICHAT_MAX_CONNECTIONS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.MaxConnections = n
		}
	}
	if v := os.Getenv("AICHAT_JWT_SECRET"); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv("AICHAT_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Auth.TokenTTL = d
		}
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		cfg.Assistant.APIKey = v
	}
	if v := os.Getenv("AICHAT_GOOGLE_API_KEY"); v != "" {
		cfg.Assistant.APIKey = v
	}
	if v := os.Getenv("AICHAT_ASSISTANT_MODEL"); v != "" {
		cfg.Assistant.Model = v
	}
	if v := os.Getenv("AICHAT_DB_PATH"); v != "" {
		cfg.Storage.DatabasePath = v
	}
	if v := os.Getenv("AICHAT_NATS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("AICHAT_LOG_DIR"); v != "" {
		cfg.Logging.Dir = v
	}
	if v := os.Getenv("AICHAT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.Bind); err != nil {
		return fmt.Errorf("invalid bind address %q: %w", c.Server.Bind, err)
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", c.Server.MaxConnections)
	}
	if c.Server.MessageRateLimit <= 0 {
		return fmt.Errorf("message_rate_limit must be positive, got %v", c.Server.MessageRateLimit)
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret is required (set AICHAT_JWT_SECRET)")
	}
	if len(c.Auth.Secret) < MinSecretLength {
		return fmt.Errorf("auth secret must be at least %d characters", MinSecretLength)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("token_ttl must be positive")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}
