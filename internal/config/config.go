package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration for the kernel host process.
// Precedence: environment variables > config file > defaults.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Transport   TransportConfig   `toml:"transport"`
	Log         LogConfig         `toml:"log"`
	Exposition  ExpositionConfig  `toml:"exposition"`
	StateSync   StateSyncConfig   `toml:"state_sync"`
	Auth        AuthConfig        `toml:"auth"`
	RateLimit   RateLimitConfig   `toml:"rate_limit"`
	Housekeeping HousekeepingConfig `toml:"housekeeping"`
}

// ServerConfig holds MCP server metadata advertised during initialize.
type ServerConfig struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// TransportConfig holds transport-related settings.
type TransportConfig struct {
	// Mode selects the transport: "stdio" (default) or "http".
	Mode string `toml:"mode"`
	// Port is the HTTP listen port (default: 21452). Only used when Mode is "http".
	Port string `toml:"port"`
	// Host is the HTTP listen address (default: "0.0.0.0"). Only used when Mode is "http".
	Host string `toml:"host"`
	// CORSOrigins is a comma-separated list of allowed CORS origins (default: "*").
	CORSOrigins string `toml:"cors_origins"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
}

// ExpositionConfig controls how the registry exposes tools over the
// wire — one entry per action ("flat") or one entry per tool with an
// action discriminator ("grouped").
type ExpositionConfig struct {
	Mode              string `toml:"mode"`               // "flat" or "grouped"
	ActionSeparator   string `toml:"action_separator"`   // flat-mode tool name join, e.g. "_"
	DiscriminatorName string `toml:"discriminator_name"` // grouped-mode field name, e.g. "action"
}

// StateSyncConfig declares cache-control policies by glob pattern,
// evaluated in file order by the policy engine; the first match wins.
type StateSyncConfig struct {
	DefaultCacheControl string         `toml:"default_cache_control"` // "", "no-store", or "immutable"
	Policies            []PolicyConfig `toml:"policies"`
}

// PolicyConfig is one [[state_sync.policies]] entry.
type PolicyConfig struct {
	Match        string   `toml:"match"`
	CacheControl string   `toml:"cache_control"`
	Invalidates  []string `toml:"invalidates"`
}

// AuthConfig configures the bearer-token auth middleware.
type AuthConfig struct {
	Enabled    bool   `toml:"enabled"`
	HMACSecret string `toml:"hmac_secret"` // shared secret for HS256 verification
}

// RateLimitConfig configures the per-subject token bucket middleware.
type RateLimitConfig struct {
	Enabled bool    `toml:"enabled"`
	RPS     float64 `toml:"rps"`
	Burst   int     `toml:"burst"`
}

// HousekeepingConfig controls the background scheduler job that
// prewarms the state-sync policy cache.
type HousekeepingConfig struct {
	Enabled         bool `toml:"enabled"`
	IntervalMinutes int  `toml:"interval_minutes"`
}

// Load creates a Config by reading from a TOML config file and environment
// variables. Precedence: environment variables > config file > defaults.
//
// Config file search order (first found wins):
//  1. Path passed via configPath parameter (from --config flag)
//  2. TOOLKERNEL_CONFIG environment variable
//  3. ./toolkernel.toml (current directory)
//  4. ~/.config/toolkernel/toolkernel.toml (XDG-style)
//
// All fields are optional in the config file. Environment variables always
// override file values.
func Load(configPath string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Name:    "toolkernel",
			Version: "0.1.0",
		},
		Transport: TransportConfig{
			Mode:        "stdio",
			Port:        "21452",
			Host:        "0.0.0.0",
			CORSOrigins: "*",
		},
		Log: LogConfig{
			Level: "info",
		},
		Exposition: ExpositionConfig{
			Mode:              "flat",
			ActionSeparator:   "_",
			DiscriminatorName: "action",
		},
		StateSync: StateSyncConfig{
			DefaultCacheControl: "",
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			RPS:     5,
			Burst:   10,
		},
		Housekeeping: HousekeepingConfig{
			Enabled:         true,
			IntervalMinutes: 30,
		},
	}

	if err := cfg.loadFile(configPath); err != nil {
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile finds and parses the TOML config file. If no file is found,
// this is a no-op (config file is optional).
func (c *Config) loadFile(configPath string) error {
	path := resolveConfigPath(configPath)
	if path == "" {
		return nil // no config file found; rely on defaults + env
	}

	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	return nil
}

// resolveConfigPath determines which config file to use. Returns empty string
// if no config file is found (config file is optional).
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit // caller wants this file; let DecodeFile report if missing
	}

	if p := os.Getenv("TOOLKERNEL_CONFIG"); p != "" {
		return p
	}

	if _, err := os.Stat("toolkernel.toml"); err == nil {
		return "toolkernel.toml"
	}

	if home, err := os.UserHomeDir(); err == nil {
		p := home + "/.config/toolkernel/toolkernel.toml"
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// applyEnv overlays environment variables on top of existing config values.
// An env var only takes effect if it is non-empty.
func (c *Config) applyEnv() {
	envOverride("TOOLKERNEL_TRANSPORT", &c.Transport.Mode)
	envOverride("TOOLKERNEL_PORT", &c.Transport.Port)
	envOverride("TOOLKERNEL_HOST", &c.Transport.Host)
	envOverride("TOOLKERNEL_CORS_ORIGINS", &c.Transport.CORSOrigins)

	envOverride("TOOLKERNEL_LOG_LEVEL", &c.Log.Level)

	envOverride("TOOLKERNEL_EXPOSITION_MODE", &c.Exposition.Mode)

	envOverride("TOOLKERNEL_AUTH_HMAC_SECRET", &c.Auth.HMACSecret)
	if v := os.Getenv("TOOLKERNEL_AUTH_ENABLED"); v != "" {
		c.Auth.Enabled = (v == "true" || v == "1")
	}

	if v := os.Getenv("TOOLKERNEL_RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = (v == "true" || v == "1")
	}

	if v := os.Getenv("TOOLKERNEL_HOUSEKEEPING_ENABLED"); v != "" {
		c.Housekeeping.Enabled = (v == "true" || v == "1")
	}
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case "stdio", "http":
	default:
		return fmt.Errorf("invalid transport mode: %q (must be \"stdio\" or \"http\")", c.Transport.Mode)
	}

	switch c.Exposition.Mode {
	case "flat", "grouped":
	default:
		return fmt.Errorf("invalid exposition mode: %q (must be \"flat\" or \"grouped\")", c.Exposition.Mode)
	}

	if c.Auth.Enabled && c.Auth.HMACSecret == "" {
		return fmt.Errorf("auth.hmac_secret is required when auth is enabled")
	}

	return nil
}

// envOverride sets *dst to the value of the named env var, if it is non-empty.
func envOverride(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
