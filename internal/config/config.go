package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"PolyChat/pkg/logger"
)

// Config is everything polychatd needs at startup.
type Config struct {
	Server      ServerConfig              `json:"server" yaml:"server"`
	Storage     StorageConfig             `json:"storage" yaml:"storage"`
	Chat        ChatConfig                `json:"chat" yaml:"chat"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Credentials CredentialsConfig         `json:"credentials" yaml:"credentials"`
	Events      EventsConfig              `json:"events" yaml:"events"`
	Logging     logger.Config             `json:"logging" yaml:"logging"`
	Runtime     RuntimeConfig             `json:"runtime" yaml:"runtime"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address                string `json:"address" yaml:"address"`
	IdentityHeader         string `json:"identity_header" yaml:"identity_header"`
	ShutdownTimeoutSeconds int    `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// ShutdownTimeout returns the graceful shutdown window.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// StorageConfig selects the Session Store backend.
type StorageConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
}

// ChatConfig tunes the orchestrator.
type ChatConfig struct {
	HistoryLimit          int `json:"history_limit" yaml:"history_limit"`
	TitleLength           int `json:"title_length" yaml:"title_length"`
	PreambleExchanges     int `json:"preamble_exchanges" yaml:"preamble_exchanges"`
	// ChunkDelayMillis below zero disables the pause between fragments.
	ChunkDelayMillis      int `json:"chunk_delay_ms" yaml:"chunk_delay_ms"`
	MaxConcurrentBranches int `json:"max_concurrent_branches" yaml:"max_concurrent_branches"`
}

// ChunkDelay is the pause between re-chunked fragments.
func (c ChatConfig) ChunkDelay() time.Duration {
	return time.Duration(c.ChunkDelayMillis) * time.Millisecond
}

// ProviderConfig describes how one provider family is reached.
type ProviderConfig struct {
	// Shape is "stream" or "single_shot".
	Shape          string `json:"shape" yaml:"shape"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	Disabled       bool   `json:"disabled" yaml:"disabled"`
}

// Timeout returns the provider timeout, zero meaning the adapter default.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// CredentialsConfig selects the credential store and the shared fallback key.
type CredentialsConfig struct {
	Driver       string                               `json:"driver" yaml:"driver"`
	SharedKey    string                               `json:"shared_key" yaml:"shared_key"`
	SharedKeyEnv string                               `json:"shared_key_env" yaml:"shared_key_env"`
	Redis        RedisConfig                          `json:"redis" yaml:"redis"`
	Seed         map[string]map[string]CredentialSeed `json:"seed" yaml:"seed"`
}

// CredentialSeed preloads one user's setting for one provider family. Mode is
// "explicit" or "shared".
type CredentialSeed struct {
	Mode   string `json:"mode" yaml:"mode"`
	Secret string `json:"secret" yaml:"secret"`
}

// ResolveSharedKey returns the literal shared key or the one found in the
// configured environment variable.
func (c CredentialsConfig) ResolveSharedKey() string {
	if key := strings.TrimSpace(c.SharedKey); key != "" {
		return key
	}
	if c.SharedKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.SharedKeyEnv))
}

// RedisConfig is shared by the Redis backed components.
type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// EventsConfig selects where run notices are published.
type EventsConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	List     string         `json:"list" yaml:"list"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig describes the notice queue on a broker.
type RabbitMQConfig struct {
	URL     string `json:"url" yaml:"url"`
	Queue   string `json:"queue" yaml:"queue"`
	Durable bool   `json:"durable" yaml:"durable"`
}

// RuntimeConfig holds process level parameters.
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Load parses the configuration file at path. Files ending in .yaml or .yml
// are read as YAML, everything else as JSON. A .env file next to the config
// is loaded into the environment first when present.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	baseDir := filepath.Dir(path)
	if err := loadDotEnv(filepath.Join(baseDir, ".env")); err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	return cfg, nil
}

// Parse decodes raw configuration bytes. ext selects the format.
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}
	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	// Existing environment wins over .env.
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.IdentityHeader == "" {
		c.Server.IdentityHeader = "X-User-ID"
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 5
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Chat.HistoryLimit <= 0 {
		c.Chat.HistoryLimit = 10
	}
	if c.Chat.TitleLength <= 0 {
		c.Chat.TitleLength = 50
	}
	if c.Chat.PreambleExchanges <= 0 {
		c.Chat.PreambleExchanges = 5
	}
	if c.Chat.ChunkDelayMillis < 0 {
		c.Chat.ChunkDelayMillis = 0
	} else if c.Chat.ChunkDelayMillis == 0 {
		c.Chat.ChunkDelayMillis = 50
	}

	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	for family, defaults := range DefaultProviders() {
		current, ok := c.Providers[family]
		if !ok {
			c.Providers[family] = defaults
			continue
		}
		if current.Shape == "" {
			current.Shape = defaults.Shape
		}
		if current.BaseURL == "" {
			current.BaseURL = defaults.BaseURL
		}
		if current.TimeoutSeconds <= 0 {
			current.TimeoutSeconds = defaults.TimeoutSeconds
		}
		c.Providers[family] = current
	}

	c.Credentials.Driver = strings.ToLower(strings.TrimSpace(c.Credentials.Driver))
	if c.Credentials.Driver == "" {
		c.Credentials.Driver = "memory"
	}
	if c.Credentials.SharedKeyEnv == "" {
		c.Credentials.SharedKeyEnv = "POLYCHAT_SHARED_KEY"
	}
	if c.Credentials.Redis.KeyPrefix == "" {
		c.Credentials.Redis.KeyPrefix = "polychat:keys"
	}

	c.Events.Driver = strings.ToLower(strings.TrimSpace(c.Events.Driver))
	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.List == "" {
		c.Events.List = "polychat:runs"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "polychat.runs"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.Driver == "sqlite" && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.Runtime.DataDir, "polychat.db")
	}
}

// DefaultProviders lists the built-in endpoints keyed by provider family.
func DefaultProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"gpt":        {Shape: "single_shot", BaseURL: "https://api.openai.com/v1", TimeoutSeconds: 120},
		"claude":     {Shape: "single_shot", BaseURL: "https://api.anthropic.com/v1", TimeoutSeconds: 120},
		"gemini":     {Shape: "single_shot", BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai", TimeoutSeconds: 120},
		"grok":       {Shape: "stream", BaseURL: "https://api.x.ai/v1", TimeoutSeconds: 60},
		"deepseek":   {Shape: "stream", BaseURL: "https://api.deepseek.com", TimeoutSeconds: 60},
		"perplexity": {Shape: "stream", BaseURL: "https://api.perplexity.ai", TimeoutSeconds: 60},
	}
}
