// Package config loads the application configuration from YAML with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AgentPay-Network/wallet_layer/pkg/logger"
)

// Config is the full application configuration.
type Config struct {
	Server      ServerConfig         `yaml:"server"`
	Database    DatabaseConfig       `yaml:"database"`
	Redis       RedisConfig          `yaml:"redis"`
	Auth        AuthConfig           `yaml:"auth"`
	Attestation ServiceConfig        `yaml:"attestation"`
	Signer      ServiceConfig        `yaml:"signer"`
	Relay       ServiceConfig        `yaml:"relay"`
	Transfers   TransfersConfig      `yaml:"transfers"`
	RateLimit   RateLimitConfig      `yaml:"rate_limit"`
	Logging     logger.LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DatabaseConfig configures the postgres connection. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig configures the challenge store. An empty Addr selects the
// in-memory store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig configures token verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ServiceConfig points at an upstream HTTP service.
type ServiceConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// TransfersConfig tunes the transfer pipeline.
type TransfersConfig struct {
	ReconcilerSchedule string        `yaml:"reconciler_schedule"`
	StuckAfter         time.Duration `yaml:"stuck_after"`
}

// RateLimitConfig tunes the per-caller rate limiter.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	Burst             int `yaml:"burst"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Transfers: TransfersConfig{
			ReconcilerSchedule: "@every 1m",
			StuckAfter:         30 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the config file named by WALLET_LAYER_CONFIG (or config.yaml)
// and applies environment overrides. A missing file is not an error; the
// defaults apply.
func Load() (*Config, error) {
	path := os.Getenv("WALLET_LAYER_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from an explicit path.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults plus env only.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "SERVER_ADDR")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Attestation.BaseURL, "ATTESTATION_URL")
	setString(&cfg.Attestation.APIKey, "ATTESTATION_API_KEY")
	setString(&cfg.Signer.BaseURL, "SIGNER_URL")
	setString(&cfg.Signer.APIKey, "SIGNER_API_KEY")
	setString(&cfg.Relay.BaseURL, "RELAY_URL")
	setString(&cfg.Relay.APIKey, "RELAY_API_KEY")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (set JWT_SECRET)")
	}
	if c.Attestation.BaseURL == "" {
		return fmt.Errorf("attestation.base_url is required (set ATTESTATION_URL)")
	}
	if c.Signer.BaseURL == "" {
		return fmt.Errorf("signer.base_url is required (set SIGNER_URL)")
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit values must be positive")
	}
	return nil
}
