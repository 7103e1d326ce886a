// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package config loads the settings of the xdm command-line tool.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Logger LoggerConfig `yaml:"logger"`
	Tracer TracerConfig `yaml:"tracer"`
}

// ServerConfig holds websocket endpoint settings.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	Path           string   `yaml:"path"`
	OriginPatterns []string `yaml:"origin_patterns,omitempty"`
	Token          string   `yaml:"token,omitempty"` // "" trusts the Origin header
	RateLimit      float64  `yaml:"rate_limit"`      // requests per second per channel, 0 = unlimited
	Burst          int      `yaml:"burst"`
	LogMessages    bool     `yaml:"log_messages"`
}

// LoggerConfig holds diagnostic logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stderr, stdout, or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout or noop
}

// Defaults returns a configuration with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:  "localhost:8765",
			Path:  "/xdm",
			Burst: 10,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads the configuration file at path over the defaults, applies
// environment overrides, and validates the result. A missing file is not an
// error; the defaults are used. If path == "", no file is read.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		} else if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides updates cfg from XDM_* environment variables.
func ApplyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("XDM_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("XDM_SERVER_TOKEN"); v != "" {
		cfg.Server.Token = v
	}
	if v := os.Getenv("XDM_SERVER_RATE_LIMIT"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid XDM_SERVER_RATE_LIMIT: %w", err)
		}
		cfg.Server.RateLimit = r
	}
	if v := os.Getenv("XDM_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("XDM_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("XDM_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	return nil
}
