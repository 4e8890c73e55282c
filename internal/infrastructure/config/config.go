package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/GriffinCanCode/livemap/internal/domain/location"
	"github.com/GriffinCanCode/livemap/internal/domain/session"
	"github.com/GriffinCanCode/livemap/internal/providers/mapview/sandbox"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig
	Logging     LogConfig
	Location    LocationConfig
	Sandbox     SandboxConfig
	Permission  PermissionConfig
	Geolocation GeolocationConfig
	Sessions    SessionsConfig
	RateLimit   RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8000"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	AllowedOrigins  []string      `envconfig:"CORS_ORIGINS" default:"*"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// LocationConfig holds the tracking thresholds.
type LocationConfig struct {
	Accuracy    string        `envconfig:"LOCATION_ACCURACY" default:"high"`
	MinInterval time.Duration `envconfig:"LOCATION_MIN_INTERVAL" default:"1s"`
	MinDistance float64       `envconfig:"LOCATION_MIN_DISTANCE" default:"2"`
}

// SandboxConfig holds map sandbox configuration.
type SandboxConfig struct {
	BootstrapTimeout      time.Duration `envconfig:"SANDBOX_BOOTSTRAP_TIMEOUT" default:"10s"`
	ScriptTimeout         time.Duration `envconfig:"SANDBOX_SCRIPT_TIMEOUT" default:"2s"`
	LoadTimeout           time.Duration `envconfig:"SANDBOX_LOAD_TIMEOUT" default:"5s"`
	ProfilePath           string        `envconfig:"SANDBOX_PROFILE"`
	AllowedScriptPrefixes []string      `envconfig:"SANDBOX_SCRIPT_PREFIXES"`
}

// PermissionConfig holds permission prompt configuration.
type PermissionConfig struct {
	PromptTimeout time.Duration `envconfig:"PERMISSION_PROMPT_TIMEOUT" default:"2m"`
}

// GeolocationConfig holds location provider configuration.
type GeolocationConfig struct {
	DefaultProvider string        `envconfig:"GEO_DEFAULT_PROVIDER" default:"simulator"`
	IPEndpoint      string        `envconfig:"GEO_IP_ENDPOINT" default:"http://ip-api.com/json/"`
	PollInterval    time.Duration `envconfig:"GEO_IP_POLL_INTERVAL" default:"1m"`
	SimulatorStep   float64       `envconfig:"GEO_SIM_STEP_METERS" default:"5"`
}

// SessionsConfig bounds the session manager.
type SessionsConfig struct {
	Max int `envconfig:"SESSIONS_MAX" default:"100"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if _, err := location.ParseAccuracyTier(cfg.Location.Accuracy); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LogConfig{
			Level: "info",
		},
		Location: LocationConfig{
			Accuracy:    "high",
			MinInterval: time.Second,
			MinDistance: 2,
		},
		Sandbox: SandboxConfig{
			BootstrapTimeout: 10 * time.Second,
			ScriptTimeout:    2 * time.Second,
			LoadTimeout:      5 * time.Second,
		},
		Permission: PermissionConfig{
			PromptTimeout: 2 * time.Minute,
		},
		Geolocation: GeolocationConfig{
			DefaultProvider: "simulator",
			IPEndpoint:      "http://ip-api.com/json/",
			PollInterval:    time.Minute,
			SimulatorStep:   5,
		},
		Sessions: SessionsConfig{
			Max: 100,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

// LocationOptions converts the tracking thresholds. accuracy overrides the
// configured tier when not empty.
func (c *Config) LocationOptions(accuracy string) (location.Options, error) {
	if accuracy == "" {
		accuracy = c.Location.Accuracy
	}
	tier, err := location.ParseAccuracyTier(accuracy)
	if err != nil {
		return location.Options{}, err
	}
	return location.Options{
		Accuracy:          tier,
		MinInterval:       c.Location.MinInterval,
		MinDistanceMeters: c.Location.MinDistance,
	}, nil
}

// SessionConfig returns the per-session timeouts.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		BootstrapTimeout: c.Sandbox.BootstrapTimeout,
		PromptTimeout:    c.Permission.PromptTimeout,
	}
}

// SandboxRuntime returns the goja runtime settings.
func (c *Config) SandboxRuntime() sandbox.Config {
	rt := sandbox.DefaultConfig()
	if c.Sandbox.ScriptTimeout > 0 {
		rt.ScriptTimeout = c.Sandbox.ScriptTimeout
	}
	if c.Sandbox.LoadTimeout > 0 {
		rt.LoadTimeout = c.Sandbox.LoadTimeout
	}
	return rt
}
