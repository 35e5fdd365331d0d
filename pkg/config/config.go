package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Config is the broker's attribute store. Fields set from the config
// file are fixed for the process lifetime; Online is the one attribute
// the broker's own state machine flips at runtime.
type Config struct {
	Rank       int      `yaml:"rank"`
	Size       int      `yaml:"size"`
	Arity      int      `yaml:"arity"`
	RunDir     string   `yaml:"run_dir"`
	ModulePath []string `yaml:"module_path"`
	ParentURI  string   `yaml:"parent_uri"`
	ListenAddr string   `yaml:"listen_addr"`

	online atomic.Bool
}

// Default returns a single-rank, single-node configuration suitable for
// a standalone broker with no parent.
func Default() *Config {
	return &Config{
		Rank:       0,
		Size:       1,
		Arity:      2,
		RunDir:     "/var/run/relaybroker",
		ListenAddr: "127.0.0.1:8901",
	}
}

// Load reads and parses a YAML config file. Fields absent from the file
// keep Default's values.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Arity <= 0 {
		cfg.Arity = 2
	}
	return cfg, nil
}

// Online reports the broker's current online super-state.
func (c *Config) Online() bool { return c.online.Load() }

// SetOnline flips the broker's online super-state. Called by the broker
// once rc1-equivalent startup has completed.
func (c *Config) SetOnline(v bool) { c.online.Store(v) }

// IsRoot reports whether this broker is rank 0 (no parent, hosts the
// Event Publisher).
func (c *Config) IsRoot() bool { return c.Rank == 0 }
