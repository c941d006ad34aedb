package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/central"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	PowerOnTimeout time.Duration `yaml:"power_on_timeout" default:"5s"`
	OutputFormat   string        `yaml:"output_format" default:"table"` // table, json

	Session SessionConfig `yaml:"session"`
	NATS    NATSConfig    `yaml:"nats"`
}

// SessionConfig sizes the session event streams and job queue
type SessionConfig struct {
	LogBuffer        int  `yaml:"log_buffer" default:"10"`
	PowerBuffer      int  `yaml:"power_buffer" default:"1"`
	ScanningBuffer   int  `yaml:"scanning_buffer" default:"1"`
	DisconnectBuffer int  `yaml:"disconnect_buffer" default:"16"`
	ScanBuffer       int  `yaml:"scan_buffer" default:"100"`
	NotifyBuffer     int  `yaml:"notify_buffer" default:"100"`
	QueueSize        int  `yaml:"queue_size" default:"256"`
	FeedNotifyOnRead bool `yaml:"feed_notify_on_read"`
}

// NATSConfig enables event forwarding when URL is set
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" default:"gattlink"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path yields the defaults.
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

// Validate checks the values a YAML file may get wrong
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("output_format: unsupported format %q (supported: table, json)", c.OutputFormat)
	}
	for name, d := range map[string]time.Duration{
		"scan_timeout":     c.ScanTimeout,
		"connect_timeout":  c.ConnectTimeout,
		"power_on_timeout": c.PowerOnTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	return nil
}

// Level returns the parsed log level, falling back to info
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// SessionOptions converts the session section into session options
func (c *Config) SessionOptions() *central.Options {
	s := c.Session
	return &central.Options{
		LogBuffer:        s.LogBuffer,
		PowerBuffer:      s.PowerBuffer,
		ScanningBuffer:   s.ScanningBuffer,
		DisconnectBuffer: s.DisconnectBuffer,
		ScanBuffer:       s.ScanBuffer,
		NotifyBuffer:     s.NotifyBuffer,
		QueueSize:        s.QueueSize,
		FeedNotifyOnRead: s.FeedNotifyOnRead,
	}
}
