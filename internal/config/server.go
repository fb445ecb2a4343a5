// Package config provides configuration management for Tollgate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// ServerConfig holds server configuration. Values come from an optional YAML
// file overridden by environment variables.
type ServerConfig struct {
	Environment Environment `yaml:"environment"`
	ListenAddr  string      `yaml:"listen_addr"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	RateLimitRequests int64    `yaml:"rate_limit_requests"`
	RateLimitPeriod   string   `yaml:"rate_limit_period"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	BodyLimitBytes    int64    `yaml:"body_limit_bytes"`
}

// defaultServerConfig returns the baseline configuration.
func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Environment:       EnvDevelopment,
		ListenAddr:        ":8080",
		TokenTTL:          24 * time.Hour,
		RateLimitRequests: 100,
		RateLimitPeriod:   "1m",
		BodyLimitBytes:    1 << 20,
	}
}

// LoadServerConfig reads server configuration: defaults, then the YAML file
// named by TOLLGATE_CONFIG (if any), then environment variables.
func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()

	if path := os.Getenv("TOLLGATE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv("ENV"); v != "" {
		cfg.Environment = Environment(v)
	}
	switch cfg.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		cfg.Environment = EnvDevelopment
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid TOKEN_TTL: %w", err)
		}
		cfg.TokenTTL = d
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("invalid RATE_LIMIT_REQUESTS: %w", err)
		}
		cfg.RateLimitRequests = n
	}
	if v := os.Getenv("RATE_LIMIT_PERIOD"); v != "" {
		cfg.RateLimitPeriod = v
	}

	return cfg, nil
}

// Validate checks that required settings are present.
func (c ServerConfig) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	return nil
}
