package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is concordd's on-disk node configuration, loaded via --config.
// Flags passed on the command line override whatever a config file sets.
type FileConfig struct {
	NodeID            string   `yaml:"node_id"`
	BindAddr          string   `yaml:"bind_addr"`
	DataDir           string   `yaml:"data_dir"`
	Peers             []string `yaml:"peers"`
	Consistency       string   `yaml:"consistency"`
	TTLSweepInterval  string   `yaml:"ttl_sweep_interval"`
	CompressionConfig `yaml:"compression"`
}

// CompressionConfig mirrors the codec.Config fields a file can override.
type CompressionConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Algorithm      string `yaml:"algorithm"`
	ThresholdBytes int    `yaml:"threshold_bytes"`
	Level          int    `yaml:"level"`
}

func loadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}
