// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

// Package config loads metering service configuration from a YAML file with
// environment variable expansion, falling back to environment variables when
// no file is supplied. Quotas, cost caps, model choice, and key material
// locations are always supplied externally, never hard-coded.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the metering service.
type Config struct {
	Version  string         `yaml:"version"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Vault    VaultConfig    `yaml:"vault"`
	Quota    QuotaDefaults  `yaml:"quota"`
	Provider ProviderConfig `yaml:"provider"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection settings.
// Separate fields follow 12-factor deployment; URL wins when set.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// ConnectionString builds a postgres:// URL from the configured fields.
func (d DatabaseConfig) ConnectionString() string {
	if d.URL != "" {
		return d.URL
	}
	port := d.Port
	if port == "" {
		port = "5432"
	}
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	// Password must be URL-encoded for the URI format
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(d.User), url.QueryEscape(d.Password),
		d.Host, port, d.Name, sslMode)
}

// RedisConfig holds Redis connection settings for the quota status cache.
type RedisConfig struct {
	URL         string        `yaml:"url"`
	StatusTTLMs int           `yaml:"status_ttl_ms"`
	DialTimeout time.Duration `yaml:"-"`
}

// StatusTTL returns the quota status cache TTL, defaulting to 5 seconds.
func (r RedisConfig) StatusTTL() time.Duration {
	if r.StatusTTLMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(r.StatusTTLMs) * time.Millisecond
}

// AuthConfig holds session token verification settings.
type AuthConfig struct {
	// JWTSigningKey verifies HMAC-signed session tokens. Supplied via
	// environment expansion, never committed to a config file literally.
	JWTSigningKey string `yaml:"jwt_signing_key"`
	Issuer        string `yaml:"issuer"`
}

// VaultConfig locates the credential vault master key.
type VaultConfig struct {
	// MasterKeySecretARN points at an AWS Secrets Manager secret holding the
	// base64-encoded 32-byte master key. Preferred in production.
	MasterKeySecretARN string `yaml:"master_key_secret_arn"`
	// MasterKeyEnv names the environment variable holding the base64 key.
	// Used for local development when no secret ARN is configured.
	MasterKeyEnv string `yaml:"master_key_env"`
	Region       string `yaml:"region"`
}

// QuotaDefaults are applied to tenants without explicit limits.
type QuotaDefaults struct {
	MonthlyTokens       int64 `yaml:"monthly_tokens"`
	DailyTokens         int64 `yaml:"daily_tokens"`
	MonthlyCostCapCents int64 `yaml:"monthly_cost_cap_cents"`
}

// ProviderConfig holds completion provider settings.
type ProviderConfig struct {
	AnthropicEndpoint string `yaml:"anthropic_endpoint"`
	BedrockRegion     string `yaml:"bedrock_region"`
	// PlatformModel is the model used for platform-managed tenants.
	PlatformModel string `yaml:"platform_model"`
	TimeoutMs     int    `yaml:"timeout_ms"`
}

// Timeout returns the provider call timeout, defaulting to 60 seconds.
func (p ProviderConfig) Timeout() time.Duration {
	if p.TimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// Load reads the YAML file at path, expands ${VAR} references from the
// environment, and unmarshals the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyEnvFallbacks()
	return &cfg, nil
}

// FromEnv builds a configuration entirely from environment variables.
// Used when no config file is supplied (CONFIG_FILE unset).
func FromEnv() *Config {
	cfg := &Config{}
	cfg.applyEnvFallbacks()
	return cfg
}

func (c *Config) applyEnvFallbacks() {
	if c.Server.Port == "" {
		c.Server.Port = getEnv("PORT", "8082")
	}
	if c.Database.URL == "" && c.Database.Host == "" {
		c.Database.URL = os.Getenv("DATABASE_URL")
		c.Database.Host = os.Getenv("DATABASE_HOST")
		c.Database.Port = os.Getenv("DATABASE_PORT")
		c.Database.Name = getEnv("DATABASE_NAME", "tracklane")
		c.Database.User = os.Getenv("DATABASE_USER")
		c.Database.Password = os.Getenv("DATABASE_PASSWORD")
		c.Database.SSLMode = os.Getenv("DATABASE_SSLMODE")
	}
	if c.Redis.URL == "" {
		c.Redis.URL = os.Getenv("REDIS_URL")
	}
	if c.Auth.JWTSigningKey == "" {
		c.Auth.JWTSigningKey = os.Getenv("SESSION_SIGNING_KEY")
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = getEnv("SESSION_ISSUER", "tracklane")
	}
	if c.Vault.MasterKeySecretARN == "" {
		c.Vault.MasterKeySecretARN = os.Getenv("MASTER_KEY_SECRET_ARN")
	}
	if c.Vault.MasterKeyEnv == "" {
		c.Vault.MasterKeyEnv = "CREDENTIAL_MASTER_KEY"
	}
	if c.Vault.Region == "" {
		c.Vault.Region = os.Getenv("AWS_REGION")
	}
	if c.Provider.AnthropicEndpoint == "" {
		c.Provider.AnthropicEndpoint = getEnv("ANTHROPIC_ENDPOINT", "https://api.anthropic.com")
	}
	if c.Provider.BedrockRegion == "" {
		c.Provider.BedrockRegion = getEnv("BEDROCK_REGION", "us-east-1")
	}
	if c.Provider.PlatformModel == "" {
		c.Provider.PlatformModel = getEnv("PLATFORM_MODEL", "anthropic.claude-3-haiku-20240307-v1:0")
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
