package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig     `json:"server"`
	Database      DatabaseConfig   `json:"database"`
	Providers     []ProviderConfig `json:"providers"`
	Executor      ExecutorConfig   `json:"executor"`
	Retention     RetentionConfig  `json:"retention"`
	Stream        StreamConfig     `json:"stream"`
	EncryptionKey string           `json:"encryption_key"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	URL string `json:"url"`
}

type ProviderConfig struct {
	Tag      string   `json:"tag"`
	Type     string   `json:"type"`
	Name     string   `json:"name"`
	Endpoint string   `json:"endpoint"`
	APIKey   string   `json:"api_key"`
	Models   []string `json:"models,omitempty"`
}

type ExecutorConfig struct {
	MaxConcurrentExecutions int `json:"max_concurrent_executions"`
	DefaultTimeoutSeconds   int `json:"default_timeout_seconds"`
}

type RetentionConfig struct {
	Days     int    `json:"days"`
	Schedule string `json:"schedule"`
}

type StreamConfig struct {
	HeartbeatSeconds int `json:"heartbeat_seconds"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable
// references, then layers the well-known environment knobs on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// FromEnv builds a configuration from environment variables alone, used
// when no config file is present.
func FromEnv() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		c.EncryptionKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if n, ok := envInt("MAX_CONCURRENT_EXECUTIONS"); ok {
		c.Executor.MaxConcurrentExecutions = n
	}
	if n, ok := envInt("DEFAULT_EXECUTION_TIMEOUT_SECONDS"); ok {
		c.Executor.DefaultTimeoutSeconds = n
	}
	if n, ok := envInt("RETENTION_DAYS"); ok {
		c.Retention.Days = n
	}
	if n, ok := envInt("HEARTBEAT_SECONDS"); ok {
		c.Stream.HeartbeatSeconds = n
	}
	if n, ok := envInt("PORT"); ok {
		c.Server.Port = n
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Executor.MaxConcurrentExecutions == 0 {
		c.Executor.MaxConcurrentExecutions = 100
	}
	if c.Executor.DefaultTimeoutSeconds == 0 {
		c.Executor.DefaultTimeoutSeconds = 300
	}
	if c.Retention.Days == 0 {
		c.Retention.Days = 30
	}
	if c.Stream.HeartbeatSeconds == 0 {
		c.Stream.HeartbeatSeconds = 30
	}
}

// Validate rejects configurations the process cannot safely start with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required (DATABASE_URL)")
	}
	if c.EncryptionKey != "" && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("encryption key must be exactly 32 bytes, got %d", len(c.EncryptionKey))
	}
	return nil
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
