// Copyright (C) 2026 The parafoil-dev authors. All Rights Reserved.

package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// config carries the probe settings that are awkward as flags: where the
// dialect lives and how this endpoint identifies itself.
type config struct {
	Dialect     string `toml:"dialect"`
	Port        int    `toml:"port"`
	SystemID    uint8  `toml:"system_id"`
	ComponentID uint8  `toml:"component_id"`
	Heartbeat   bool   `toml:"heartbeat"`
}

func defaultConfig() config {
	return config{Port: 14550, Heartbeat: true}
}

// loadConfig returns the defaults overlaid with the TOML file at path, if
// path is non-empty.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
