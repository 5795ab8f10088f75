package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig bounds one route group. RatePerSecond wins over
// RequestsPerMinute when both are set. Tokens assigns a cost to individual
// "METHOD /path" routes; everything else costs DefaultTokens.
type RateLimitConfig struct {
	ID                string         `yaml:"id"`
	RequestsPerMinute float64        `yaml:"requestsPerMinute"`
	RatePerSecond     float64        `yaml:"ratePerSecond"`
	Burst             int            `yaml:"burst"`
	DefaultTokens     int            `yaml:"defaultTokens"`
	Tokens            map[string]int `yaml:"tokens"`
}

type ObservabilityConfig struct {
	ServiceName string `yaml:"serviceName"`
	Metrics     bool   `yaml:"metrics"`
	Tracing     bool   `yaml:"tracing"`
	LogRequests bool   `yaml:"logRequests"`
	LogLevel    string `yaml:"logLevel"`
	LogFile     string `yaml:"logFile"`
}

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowedMethods   []string `yaml:"allowedMethods"`
	AllowedHeaders   []string `yaml:"allowedHeaders"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

// PactConfig points the service at its engine policy and stores.
type PactConfig struct {
	PolicyFile     string `yaml:"policyFile"`
	ArbiterKeyFile string `yaml:"arbiterKeyFile"`
}

type Config struct {
	Environment   string              `yaml:"environment"`
	ListenAddress string              `yaml:"listen"`
	ReadTimeout   time.Duration       `yaml:"readTimeout"`
	WriteTimeout  time.Duration       `yaml:"writeTimeout"`
	IdleTimeout   time.Duration       `yaml:"idleTimeout"`
	MaxBodyBytes  int64               `yaml:"maxBodyBytes"`
	RateLimits    []RateLimitConfig   `yaml:"rateLimits"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
	CORS          CORSConfig          `yaml:"cors"`
	Pact          PactConfig          `yaml:"pact"`
}

type AuthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	HMACSecret   string        `yaml:"hmacSecret"`
	Issuer       string        `yaml:"issuer"`
	Audience     string        `yaml:"audience"`
	ScopeClaim   string        `yaml:"scopeClaim"`
	ArbiterScope string        `yaml:"arbiterScope"`
	ClockSkew    time.Duration `yaml:"clockSkew"`
	enabledSet   bool          `yaml:"-"`
}

func (a *AuthConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawAuthConfig struct {
		Enabled      *bool         `yaml:"enabled"`
		HMACSecret   string        `yaml:"hmacSecret"`
		Issuer       string        `yaml:"issuer"`
		Audience     string        `yaml:"audience"`
		ScopeClaim   string        `yaml:"scopeClaim"`
		ArbiterScope string        `yaml:"arbiterScope"`
		ClockSkew    time.Duration `yaml:"clockSkew"`
	}
	var raw rawAuthConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Enabled != nil {
		a.Enabled = *raw.Enabled
		a.enabledSet = true
	} else {
		a.Enabled = false
		a.enabledSet = false
	}
	a.HMACSecret = raw.HMACSecret
	a.Issuer = raw.Issuer
	a.Audience = raw.Audience
	a.ScopeClaim = raw.ScopeClaim
	a.ArbiterScope = raw.ArbiterScope
	a.ClockSkew = raw.ClockSkew
	return nil
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Environment:   "dev",
		ListenAddress: ":8080",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		MaxBodyBytes:  8 << 20,
		Observability: ObservabilityConfig{
			ServiceName: "pactd",
			Metrics:     true,
			LogRequests: true,
			LogLevel:    "info",
		},
		Auth: AuthConfig{
			Enabled:      true,
			ScopeClaim:   "scope",
			ArbiterScope: "arbiter",
			ClockSkew:    2 * time.Minute,
			enabledSet:   true,
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
// PACT_ENV and PACT_JWT_SECRET override the file when set.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if env := strings.TrimSpace(os.Getenv("PACT_ENV")); env != "" {
		cfg.Environment = env
	}
	if secret := strings.TrimSpace(os.Getenv("PACT_JWT_SECRET")); secret != "" {
		cfg.Auth.HMACSecret = secret
	}
	cfg.applyAuthDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (cfg *Config) applyAuthDefaults() {
	if cfg == nil {
		return
	}
	if !cfg.Auth.enabledSet {
		cfg.Auth.Enabled = true
		cfg.Auth.enabledSet = true
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = 2 * time.Minute
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = "scope"
	}
	if cfg.Auth.ArbiterScope == "" {
		cfg.Auth.ArbiterScope = "arbiter"
	}
}

var (
	ErrAuthDisabledOutsideDev = errors.New("auth.enabled may only be false in the dev environment")
	ErrAuthSecretMissing      = errors.New("auth.hmacSecret (or PACT_JWT_SECRET) required when auth is enabled")
)

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("listen address required")
	}
	if !cfg.Auth.Enabled && !isDevEnv(cfg.Environment) {
		return ErrAuthDisabledOutsideDev
	}
	if cfg.Auth.Enabled && !isDevEnv(cfg.Environment) && strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		return ErrAuthSecretMissing
	}
	if cfg.MaxBodyBytes <= 0 {
		return fmt.Errorf("maxBodyBytes must be positive")
	}
	seen := make(map[string]struct{}, len(cfg.RateLimits))
	for i, rl := range cfg.RateLimits {
		id := strings.TrimSpace(rl.ID)
		if id == "" {
			return fmt.Errorf("rateLimits[%d].id cannot be empty", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("rateLimits[%d].id %q duplicated", i, id)
		}
		seen[id] = struct{}{}
		if rl.RatePerSecond < 0 || rl.RequestsPerMinute < 0 || rl.Burst < 0 {
			return fmt.Errorf("rateLimits[%d] values must not be negative", i)
		}
		for route, cost := range rl.Tokens {
			if cost <= 0 {
				return fmt.Errorf("rateLimits[%d].tokens[%q] must be positive", i, route)
			}
		}
	}
	return nil
}

// RateLimit returns the limit registered under id.
func (cfg Config) RateLimit(id string) (RateLimitConfig, bool) {
	for _, rl := range cfg.RateLimits {
		if rl.ID == id {
			return rl, true
		}
	}
	return RateLimitConfig{}, false
}

func isDevEnv(env string) bool {
	return strings.EqualFold(strings.TrimSpace(env), "dev")
}
