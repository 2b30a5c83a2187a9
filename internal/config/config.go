// Package config handles server configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level server configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Chat      ChatConfig      `json:"chat"`
	Agent     AgentConfig     `json:"agent,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket/CORS origin allowlist; ["*"] opts in to any origin
	Environment    string   `json:"environment,omitempty"`     // "production" or "development"
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider      string        `json:"provider,omitempty"`   // "builtin" (default) or "jwks"
	JWKSIssuer    string        `json:"jwks_issuer,omitempty"` // external token issuer, e.g. a Supabase project URL
	JWTSecret     string        `json:"jwt_secret"`
	JWTExpiry     Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin  *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver    string   `json:"driver"`              // "sqlite" (default) or "postgres"
	DSN       string   `json:"dsn"`                 // e.g. "wayfarer.db" or ":memory:"
	Retention Duration `json:"retention,omitempty"` // message retention
}

// ChatConfig tunes the realtime transport layer. The knobs are policy, not
// correctness: the batcher and pool behave the same at any setting.
type ChatConfig struct {
	BatchSize             int      `json:"batch_size,omitempty"`              // messages per flush; default 20
	BatchTimeout          Duration `json:"batch_timeout,omitempty"`           // flush deadline after first enqueue; default 50ms
	CompressionThreshold  int      `json:"compression_threshold,omitempty"`   // bytes; default 1024
	CompressionMinRatio   float64  `json:"compression_min_ratio,omitempty"`   // compressed/original must be below this; default 0.9
	MaxPoolSize           int      `json:"max_pool_size,omitempty"`           // max concurrent connections; default 1000
	MaxQueueSize          int      `json:"max_queue_size,omitempty"`          // per-connection outbound queue bound; default 1000
	BackpressureThreshold float64  `json:"backpressure_threshold,omitempty"`  // fraction of max_queue_size; default 0.8
	AgentTimeout          Duration `json:"agent_timeout,omitempty"`           // bound on one agent call; default 60s
	MaxMessageBytes       int64    `json:"max_message_bytes,omitempty"`       // max inbound WebSocket message; default 64KB
}

// AgentConfig selects the travel-planning agent backend.
type AgentConfig struct {
	Provider string   `json:"provider,omitempty"` // "static" (default) or "http"
	URL      string   `json:"url,omitempty"`      // planner endpoint for the http provider
	Timeout  Duration `json:"timeout,omitempty"`  // per-request timeout; default 60s
	Tools    []string `json:"tools,omitempty"`    // tool names offered on each call
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.JWKSIssuer == "" {
		return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
	}
	if c.Agent.Provider == "http" && c.Agent.URL == "" {
		return fmt.Errorf("agent.url is required when provider is http")
	}
	if c.Chat.BackpressureThreshold < 0 || c.Chat.BackpressureThreshold > 1 {
		return fmt.Errorf("chat.backpressure_threshold must be between 0 and 1")
	}
	if c.Chat.CompressionMinRatio < 0 || c.Chat.CompressionMinRatio > 1 {
		return fmt.Errorf("chat.compression_min_ratio must be between 0 and 1")
	}
	return nil
}

// IsProduction reports whether the server runs in production mode. Origin
// validation fails closed on absent Origin headers only in production.
func (c *ServerConfig) IsProduction() bool {
	return c.Environment == "" || c.Environment == "production"
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "wayfarer.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Chat.BatchSize == 0 {
		c.Chat.BatchSize = 20
	}
	if c.Chat.BatchTimeout.Duration == 0 {
		c.Chat.BatchTimeout.Duration = 50 * time.Millisecond
	}
	if c.Chat.CompressionThreshold == 0 {
		c.Chat.CompressionThreshold = 1024
	}
	if c.Chat.CompressionMinRatio == 0 {
		c.Chat.CompressionMinRatio = 0.9
	}
	if c.Chat.MaxPoolSize == 0 {
		c.Chat.MaxPoolSize = 1000
	}
	if c.Chat.MaxQueueSize == 0 {
		c.Chat.MaxQueueSize = 1000
	}
	if c.Chat.BackpressureThreshold == 0 {
		c.Chat.BackpressureThreshold = 0.8
	}
	if c.Chat.AgentTimeout.Duration == 0 {
		c.Chat.AgentTimeout.Duration = 60 * time.Second
	}
	if c.Chat.MaxMessageBytes == 0 {
		c.Chat.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Agent.Provider == "" {
		c.Agent.Provider = "static"
	}
	if c.Agent.Timeout.Duration == 0 {
		c.Agent.Timeout.Duration = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
}
