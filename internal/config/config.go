// Package config loads the YAML configuration consumed by the
// cmd/bpteng CLI: buffer pool sizing, eviction policy, and B+ tree
// shape.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk shape of a bpteng YAML config file.
type Config struct {
	Buffer struct {
		Capacity int    `yaml:"capacity"`
		Policy   string `yaml:"policy"` // "lru" or "mru"
	} `yaml:"buffer"`
	Tree struct {
		LeafOrder     int  `yaml:"leaf_order"`
		InternalOrder int  `yaml:"internal_order"`
		DelayedMerge  bool `yaml:"delayed_merge"`
	} `yaml:"tree"`
	Verbose bool `yaml:"verbose"`
}

// Default returns the production defaults used when no config file is
// given: a 64-frame LRU pool, page-size-derived fan-out, delayed
// merge enabled.
func Default() *Config {
	cfg := &Config{}
	cfg.Buffer.Capacity = 64
	cfg.Buffer.Policy = "lru"
	cfg.Tree.DelayedMerge = true
	return cfg
}

// Load reads and parses the YAML config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	return cfg, nil
}
