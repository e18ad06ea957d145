package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/pkg/device"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	// LogLevel is a logrus level name. The CLI is silent unless asked otherwise.
	LogLevel string `yaml:"log_level" default:"panic"`
	// Driver selects the driver tier (go-ble or tinygo).
	Driver string `yaml:"driver" default:"go-ble"`
	// AdapterID selects a host adapter for tiers that support several.
	AdapterID string `yaml:"adapter_id"`

	Scan       ScanConfig       `yaml:"scan"`
	Connection ConnectionConfig `yaml:"connection"`

	// OperationTimeout bounds each GATT operation from dispatch to result.
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"10s"`
	// BufferSize is the per-subscriber notification buffer.
	BufferSize int `yaml:"buffer_size" default:"128"`
}

// ScanConfig configures the duty-cycle scanner.
type ScanConfig struct {
	MaxDuration time.Duration `yaml:"max_duration" default:"29m"`
	Pause       time.Duration `yaml:"pause" default:"10s"`
	Window      time.Duration `yaml:"window" default:"30s"`
	MaxCycles   int           `yaml:"max_cycles" default:"4"`
	Mode        string        `yaml:"mode" default:"balanced"`
}

// ConnectionConfig configures connection attempts.
type ConnectionConfig struct {
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"45s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	// RSSIDelay is how long the closest-device matcher collects candidates.
	RSSIDelay time.Duration `yaml:"rssi_delay" default:"3s"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load overlays the YAML file at path onto the defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := device.ParseScanMode(c.Scan.Mode); err != nil {
		return err
	}

	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	positive("scan.max_duration", c.Scan.MaxDuration)
	positive("scan.window", c.Scan.Window)
	positive("connection.scan_timeout", c.Connection.ScanTimeout)
	positive("connection.connect_timeout", c.Connection.ConnectTimeout)
	positive("operation_timeout", c.OperationTimeout)
	if c.Scan.Pause < 0 {
		errs = append(errs, fmt.Errorf("scan.pause must not be negative, got %s", c.Scan.Pause))
	}
	if c.Connection.RSSIDelay < 0 {
		errs = append(errs, fmt.Errorf("connection.rssi_delay must not be negative, got %s", c.Connection.RSSIDelay))
	}
	if c.Scan.MaxCycles <= 0 {
		errs = append(errs, fmt.Errorf("scan.max_cycles must be positive, got %d", c.Scan.MaxCycles))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize))
	}
	return errors.Join(errs...)
}

// Level returns the configured log level, panic when it does not parse.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.PanicLevel
	}
	return lvl
}

// ScanMode returns the configured scan mode.
func (c *Config) ScanMode() device.ScanMode {
	m, _ := device.ParseScanMode(c.Scan.Mode)
	return m
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
