package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/bgatt/adapter"
	"github.com/srg/bgatt/internal/device"
	"github.com/srg/bgatt/internal/simulator"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel     string     `yaml:"log_level" default:"info"`
	OutputFormat string     `yaml:"output_format" default:"table"` // table, json
	Timeouts     Timeouts   `yaml:"timeouts"`
	Connection   Connection `yaml:"connection"`
	Transport    Transport  `yaml:"transport"`
}

type Timeouts struct {
	Scan       time.Duration `yaml:"scan" default:"10s"`
	Connect    time.Duration `yaml:"connect" default:"10s"`
	Read       time.Duration `yaml:"read" default:"2s"`
	Command    time.Duration `yaml:"command" default:"5s"`
	Disconnect time.Duration `yaml:"disconnect" default:"5s"`
}

// Connection holds the link parameters requested on connect, in controller units.
type Connection struct {
	IntervalMin uint16 `yaml:"interval_min" default:"6"`
	IntervalMax uint16 `yaml:"interval_max" default:"12"`
	Timeout     uint16 `yaml:"supervision_timeout" default:"100"`
	Latency     uint16 `yaml:"latency" default:"0"`
}

// Transport selects the controller gateway. Only the simulator ships with
// this repository; Profile points at its YAML peripheral description.
type Transport struct {
	Kind    string `yaml:"kind" default:"sim"`
	Profile string `yaml:"profile"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load overlays the YAML file at path onto the defaults. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func (c *Config) DeviceOptions() device.Options {
	return device.Options{
		ConnParams: device.ConnParams{
			IntervalMin: c.Connection.IntervalMin,
			IntervalMax: c.Connection.IntervalMax,
			Timeout:     c.Connection.Timeout,
			Latency:     c.Connection.Latency,
		},
		ReadTimeout: c.Timeouts.Read,
	}
}

func (c *Config) AdapterConfig() adapter.Config {
	return adapter.Config{
		CommandTimeout: c.Timeouts.Command,
		Device:         c.DeviceOptions(),
	}
}

// SimulatorProfile loads the configured peripheral profile, falling back to
// the built-in one.
func (c *Config) SimulatorProfile() (*simulator.Profile, error) {
	if c.Transport.Profile == "" {
		return simulator.ParseProfile([]byte(simulator.DefaultProfile))
	}
	return simulator.LoadProfile(c.Transport.Profile)
}
