package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/stepper/internal/serialmux"
)

// ExampleConfigPath is the documented example driver configuration.
const ExampleConfigPath = "config/driver.example.json"

// Defaults applied by the Get* accessors.
const (
	DefaultPort           = "/dev/ttyACM0"
	DefaultGearRatio      = 1.0
	DefaultPollInterval   = 10 * time.Millisecond
	DefaultCommandTimeout = 2 * time.Second
)

// DriverConfig is the on-disk driver configuration. Every field is optional;
// command-line flags override file values and the Get* accessors supply
// defaults for anything left unset.
type DriverConfig struct {
	// Serial link
	Port     *string `json:"port,omitempty"`
	BaudRate *int    `json:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty"`

	// Motor
	GearRatio      *float64 `json:"gear_ratio,omitempty"`
	PollInterval   *string  `json:"poll_interval,omitempty"`   // duration string like "10ms"
	CommandTimeout *string  `json:"command_timeout,omitempty"` // duration string like "2s"

	// Surfaces
	TelemetryDB *string `json:"telemetry_db,omitempty"`
	Listen      *string `json:"listen,omitempty"`
	GRPCListen  *string `json:"grpc_listen,omitempty"`
	Simulate    *bool   `json:"simulate,omitempty"`
}

// LoadDriverConfig loads a DriverConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Unknown fields are
// rejected so typos do not silently fall back to defaults.
func LoadDriverConfig(path string) (*DriverConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &DriverConfig{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *DriverConfig) Validate() error {
	if c.GearRatio != nil && *c.GearRatio == 0 {
		return errors.New("gear_ratio must be non-zero")
	}
	if c.PollInterval != nil && *c.PollInterval != "" {
		d, err := time.ParseDuration(*c.PollInterval)
		if err != nil {
			return fmt.Errorf("invalid poll_interval '%s': %w", *c.PollInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("poll_interval must be positive, got %s", d)
		}
	}
	if c.CommandTimeout != nil && *c.CommandTimeout != "" {
		if _, err := time.ParseDuration(*c.CommandTimeout); err != nil {
			return fmt.Errorf("invalid command_timeout '%s': %w", *c.CommandTimeout, err)
		}
	}
	if _, err := c.GetPortOptions().Normalise(); err != nil {
		return fmt.Errorf("invalid serial options: %w", err)
	}
	return nil
}

// GetPort returns the serial device path or the default.
func (c *DriverConfig) GetPort() string {
	if c.Port == nil || *c.Port == "" {
		return DefaultPort
	}
	return *c.Port
}

// GetPortOptions returns the serial options. Unset values are zero and are
// filled in by PortOptions.Normalise.
func (c *DriverConfig) GetPortOptions() serialmux.PortOptions {
	var opts serialmux.PortOptions
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	return opts
}

// GetGearRatio returns the gear ratio or the default.
func (c *DriverConfig) GetGearRatio() float64 {
	if c.GearRatio == nil || *c.GearRatio == 0 {
		return DefaultGearRatio
	}
	return *c.GearRatio
}

// GetPollInterval parses and returns the PollInterval as a time.Duration.
func (c *DriverConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, DefaultPollInterval)
}

// GetCommandTimeout parses and returns the CommandTimeout as a time.Duration.
func (c *DriverConfig) GetCommandTimeout() time.Duration {
	return durationOr(c.CommandTimeout, DefaultCommandTimeout)
}

// GetTelemetryDB returns the journal path; empty disables the journal.
func (c *DriverConfig) GetTelemetryDB() string {
	if c.TelemetryDB == nil {
		return ""
	}
	return *c.TelemetryDB
}

// GetListen returns the debug HTTP listen address; empty disables it.
func (c *DriverConfig) GetListen() string {
	if c.Listen == nil {
		return ""
	}
	return *c.Listen
}

// GetGRPCListen returns the gRPC health listen address; empty disables it.
func (c *DriverConfig) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return ""
	}
	return *c.GRPCListen
}

// GetSimulate reports whether the simulated controller should be used.
func (c *DriverConfig) GetSimulate() bool {
	return c.Simulate != nil && *c.Simulate
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
