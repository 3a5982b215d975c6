// Package config provides configuration for the API server. Values come from
// defaults, then an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreNATS   = "nats"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort            string        `yaml:"port"`
	ServerReadTimeout     time.Duration `yaml:"read_timeout"`
	ServerWriteTimeout    time.Duration `yaml:"write_timeout"`
	ServerShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSAllowedOrigins    []string      `yaml:"cors_allowed_origins"`
	SSEHeartbeat          time.Duration `yaml:"sse_heartbeat"`
	SessionIdleTimeout    time.Duration `yaml:"session_idle_timeout"`

	// Store settings
	StoreBackend string `yaml:"store_backend"`
	SQLitePath   string `yaml:"sqlite_path"`

	// NATS settings
	NATSURL      string `yaml:"nats_url"`
	NATSCAFile   string `yaml:"nats_ca_file"`
	NATSCertFile string `yaml:"nats_cert_file"`
	NATSKeyFile  string `yaml:"nats_key_file"`
	NATSToken    string `yaml:"nats_token"`
	NATSKVBucket string `yaml:"nats_kv_bucket"`
	NATSEvents   bool   `yaml:"nats_events"`

	// JWT settings
	JWTSecret string `yaml:"jwt_secret"`

	// LLM settings
	AnthropicAPIKey     string        `yaml:"anthropic_api_key"`
	OpenAIAPIKey        string        `yaml:"openai_api_key"`
	OpenAIBaseURL       string        `yaml:"openai_base_url"`
	DefaultLLM          string        `yaml:"default_llm"`
	DefaultModel        string        `yaml:"default_model"`
	TopicModel          string        `yaml:"topic_model"`
	ChatEndpointURL     string        `yaml:"chat_endpoint_url"`
	ChatEndpointToken   string        `yaml:"chat_endpoint_token"`
	ChatEndpointTimeout time.Duration `yaml:"chat_endpoint_timeout"`

	// Rate limiting
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`

	// Logging
	LogLevel       string `yaml:"log_level"`
	LogDevelopment bool   `yaml:"log_development"`

	// Tracing
	TracingEndpoint string `yaml:"tracing_endpoint"`
	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingInsecure bool   `yaml:"tracing_insecure"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ServerPort:            "8080",
		ServerReadTimeout:     30 * time.Second,
		ServerWriteTimeout:    120 * time.Second,
		ServerShutdownTimeout: 30 * time.Second,
		SSEHeartbeat:          30 * time.Second,
		SessionIdleTimeout:    30 * time.Minute,

		StoreBackend: StoreNATS,
		SQLitePath:   "language-chat.db",

		NATSURL:      "nats://localhost:4222",
		NATSKVBucket: "LANGUAGE_CHAT",
		NATSEvents:   true,

		JWTSecret: "development-secret-change-in-production",

		DefaultLLM:          "openai",
		DefaultModel:        "gpt-4o",
		TopicModel:          "gpt-4o",
		ChatEndpointTimeout: 2 * time.Minute,

		RateLimitRequests: 60,
		RateLimitWindow:   time.Minute,

		LogLevel: "info",

		TracingEndpoint: "localhost:4318",
	}
}

// Load reads the YAML file at path, if path is not empty, and then
// environment variables over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	// Server
	c.ServerPort = getEnv("PORT", c.ServerPort)
	c.ServerReadTimeout = getDurationEnv("SERVER_READ_TIMEOUT", c.ServerReadTimeout)
	c.ServerWriteTimeout = getDurationEnv("SERVER_WRITE_TIMEOUT", c.ServerWriteTimeout)
	c.ServerShutdownTimeout = getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", c.ServerShutdownTimeout)
	c.CORSAllowedOrigins = getListEnv("CORS_ALLOWED_ORIGINS", c.CORSAllowedOrigins)
	c.SSEHeartbeat = getDurationEnv("SSE_HEARTBEAT", c.SSEHeartbeat)
	c.SessionIdleTimeout = getDurationEnv("SESSION_IDLE_TIMEOUT", c.SessionIdleTimeout)

	// Store
	c.StoreBackend = getEnv("STORE_BACKEND", c.StoreBackend)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)

	// NATS
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.NATSCAFile = getEnv("NATS_CA_FILE", c.NATSCAFile)
	c.NATSCertFile = getEnv("NATS_CERT_FILE", c.NATSCertFile)
	c.NATSKeyFile = getEnv("NATS_KEY_FILE", c.NATSKeyFile)
	c.NATSToken = getEnv("NATS_TOKEN", c.NATSToken)
	c.NATSKVBucket = getEnv("NATS_KV_BUCKET", c.NATSKVBucket)
	c.NATSEvents = getBoolEnv("NATS_EVENTS", c.NATSEvents)

	// JWT
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)

	// LLM
	c.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", c.AnthropicAPIKey)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.OpenAIBaseURL)
	c.DefaultLLM = getEnv("DEFAULT_LLM", c.DefaultLLM)
	c.DefaultModel = getEnv("DEFAULT_MODEL", c.DefaultModel)
	c.TopicModel = getEnv("TOPIC_MODEL", c.TopicModel)
	c.ChatEndpointURL = getEnv("CHAT_ENDPOINT_URL", c.ChatEndpointURL)
	c.ChatEndpointToken = getEnv("CHAT_ENDPOINT_TOKEN", c.ChatEndpointToken)
	c.ChatEndpointTimeout = getDurationEnv("CHAT_ENDPOINT_TIMEOUT", c.ChatEndpointTimeout)

	// Rate limiting
	c.RateLimitRequests = getIntEnv("RATE_LIMIT_REQUESTS", c.RateLimitRequests)
	c.RateLimitWindow = getDurationEnv("RATE_LIMIT_WINDOW", c.RateLimitWindow)

	// Logging
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogDevelopment = getBoolEnv("LOG_DEVELOPMENT", c.LogDevelopment)

	// Tracing
	c.TracingEndpoint = getEnv("TRACING_ENDPOINT", c.TracingEndpoint)
	c.TracingEnabled = getBoolEnv("TRACING_ENABLED", c.TracingEnabled)
	c.TracingInsecure = getBoolEnv("TRACING_INSECURE", c.TracingInsecure)
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case StoreNATS, StoreSQLite, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.StoreBackend))
	}
	if c.StoreBackend == StoreSQLite && c.SQLitePath == "" {
		errs = append(errs, errors.New("sqlite store needs SQLITE_PATH"))
	}

	switch c.DefaultLLM {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("unknown LLM provider %q", c.DefaultLLM))
	}

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must be set"))
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	if c.SSEHeartbeat <= 0 {
		errs = append(errs, errors.New("SSE heartbeat must be positive"))
	}
	if c.SessionIdleTimeout <= 0 {
		errs = append(errs, errors.New("session idle timeout must be positive"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
