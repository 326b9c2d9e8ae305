// Package config holds the settings of the dock host: which transports to
// listen on, the endpoint timeout, logging and the status server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sugawarayuuta/sonnet"

	"github.com/newtonresearch/newton-connection/limits"
)

// ErrInvalidConfig indicates a setting outside its allowed range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the dock host configuration. Zero values of the optional
// transports leave them disabled.
type Config struct {
	TCPEnabled  bool   `json:"tcp_enabled"`
	TCPPort     int    `json:"tcp_port"`
	Advertise   bool   `json:"advertise"`
	ServiceName string `json:"service_name"`

	SerialPort string `json:"serial_port"`
	BaudRate   int    `json:"baud_rate"`

	BluetoothChannel int `json:"bluetooth_channel"`

	SimulatorAddr string `json:"simulator_addr"`

	// Timeout is the endpoint timeout in seconds; -1 disables it.
	Timeout int `json:"timeout"`

	// LogLevel: 0 warnings only, 1 protocol exchanges, 2 full, 3 developer.
	LogLevel int    `json:"log_level"`
	LogFile  string `json:"log_file"`

	MetricsAddr string `json:"metrics_addr"`

	ValueCodec        string `json:"value_codec"`
	SliceSize         int    `json:"slice_size"`
	ProgressFrequency int    `json:"progress_frequency"`
}

// NewConfig returns the default configuration: TCP on port 3679 with
// service discovery, a 30 second timeout and minimal logging.
func NewConfig() *Config {
	logrus.WithFields(logrus.Fields{
		"function": "NewConfig",
	}).Debug("Creating default configuration")

	return &Config{
		TCPEnabled:        true,
		TCPPort:           3679,
		Advertise:         true,
		BaudRate:          38400,
		Timeout:           30,
		LogLevel:          1,
		ValueCodec:        "raw",
		SliceSize:         limits.DefaultSliceSize,
		ProgressFrequency: 1,
	}
}

// Load reads a JSON configuration file over the defaults. Keys missing from
// the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := sonnet.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"path":     path,
	}).Info("Configuration loaded")

	return cfg, nil
}

// Validate checks every setting and returns the first problem found.
func (c *Config) Validate() error {
	switch {
	case c.TCPPort < 0 || c.TCPPort > 65535:
		return fmt.Errorf("%w: tcp_port %d", ErrInvalidConfig, c.TCPPort)
	case c.SerialPort != "" && c.BaudRate <= 0:
		return fmt.Errorf("%w: baud_rate %d", ErrInvalidConfig, c.BaudRate)
	case c.BluetoothChannel < 0 || c.BluetoothChannel > 30:
		return fmt.Errorf("%w: bluetooth_channel %d not in 0..30", ErrInvalidConfig, c.BluetoothChannel)
	case c.Timeout < -1:
		return fmt.Errorf("%w: timeout %d", ErrInvalidConfig, c.Timeout)
	case c.LogLevel < 0 || c.LogLevel > 3:
		return fmt.Errorf("%w: log_level %d not in 0..3", ErrInvalidConfig, c.LogLevel)
	case c.ValueCodec != "raw" && c.ValueCodec != "json":
		return fmt.Errorf("%w: value_codec %q", ErrInvalidConfig, c.ValueCodec)
	}
	if err := limits.ValidateSliceSize(c.SliceSize); err != nil {
		return fmt.Errorf("%w: slice_size: %w", ErrInvalidConfig, err)
	}
	if err := limits.ValidateFrequency(c.ProgressFrequency); err != nil {
		return fmt.Errorf("%w: progress_frequency: %w", ErrInvalidConfig, err)
	}
	if !c.TCPEnabled && c.SerialPort == "" && c.BluetoothChannel == 0 && c.SimulatorAddr == "" {
		return fmt.Errorf("%w: no transport enabled", ErrInvalidConfig)
	}
	return nil
}

// EndpointTimeout converts Timeout to a duration. -1 maps to a negative
// duration, which the transport package treats as no timeout.
func (c *Config) EndpointTimeout() time.Duration {
	if c.Timeout < 0 {
		return -1
	}
	return time.Duration(c.Timeout) * time.Second
}
