// Package config loads the gateway's YAML configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nlighten/lora-gateway/internal/packet"
)

// Config is the top-level configuration file structure.
type Config struct {
	Concentrator struct {
		EventURL   string `yaml:"event_url"`
		CommandURL string `yaml:"command_url"`
	} `yaml:"concentrator"`

	Region string `yaml:"region"`

	Router struct {
		ServerAddr string `yaml:"server_addr"`
		GatewayID  string `yaml:"gateway_id"`
		APIKey     string `yaml:"api_key"`
		UseTLS     bool   `yaml:"use_tls"`
	} `yaml:"router"`

	Diagnostics struct {
		Enabled    bool   `yaml:"enabled"`
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"diagnostics"`

	Audit struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"audit"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if cfg.Concentrator.EventURL == "" {
		return nil, fmt.Errorf("config: concentrator.event_url is required")
	}
	if cfg.Concentrator.CommandURL == "" {
		return nil, fmt.Errorf("config: concentrator.command_url is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("config: region is required")
	}

	return &cfg, nil
}

// ParsedRegion validates and returns the configured region.
func (c *Config) ParsedRegion() (packet.Region, error) {
	region := packet.Region(c.Region)
	switch region {
	case packet.RegionUS915, packet.RegionEU868, packet.RegionAU915, packet.RegionAS923,
		packet.RegionIN865, packet.RegionCN470, packet.RegionKR920, packet.RegionRU864:
		return region, nil
	default:
		return "", fmt.Errorf("config: unrecognized region %q", c.Region)
	}
}
