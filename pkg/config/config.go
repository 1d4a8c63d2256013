// Package config decodes the TOML configuration file uipstack run
// takes: devices to bring up, their IPv4 addresses, and the default
// gateway.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// DeviceConfig declares one link device to register at startup.
type DeviceConfig struct {
	Name    string `toml:"name"`
	Kind    string `toml:"kind"` // "loopback" or "tap"
	Address string `toml:"address"`
	Netmask string `toml:"netmask"`
	MTU     int    `toml:"mtu"`
}

// Config is the top-level decoded configuration.
type Config struct {
	LogLevel        string         `toml:"log_level"`
	Devices         []DeviceConfig `toml:"device"`
	DefaultGateway  string         `toml:"default_gateway"`
}

// Load decodes the TOML file at path.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &cfg, nil
}
