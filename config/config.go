// Package config loads the engine policy shared by the settlement, dispute and
// verification components.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	ProviderMemory   = "memory"
	ProviderBoundary = "boundary"

	DefaultDisputeWindowMs = int64(24 * 60 * 60 * 1000)
	DefaultMaxRefundPct    = uint32(50)
)

type Config struct {
	Dispute    Dispute    `toml:"Dispute"`
	Replay     Replay     `toml:"Replay"`
	Settlement Settlement `toml:"Settlement"`
	Storage    Storage    `toml:"Storage"`
}

// Default returns the policy used when no file exists.
func Default() *Config {
	return &Config{
		Dispute: Dispute{
			Enabled:      true,
			WindowMs:     DefaultDisputeWindowMs,
			AllowPartial: true,
			MaxRefundPct: DefaultMaxRefundPct,
		},
		Settlement: Settlement{Provider: ProviderBoundary},
	}
}

// Load loads the configuration from the given path. A missing file is created
// with defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.Settlement.Provider = strings.ToLower(strings.TrimSpace(cfg.Settlement.Provider))
	if cfg.Settlement.Provider == "" {
		cfg.Settlement.Provider = ProviderBoundary
	}
	if err := ValidateConfig(*cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
