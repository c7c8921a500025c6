package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Jmolenaartje/Factobox/internal/controller"
	"github.com/Jmolenaartje/Factobox/internal/device"
	"github.com/Jmolenaartje/Factobox/internal/scheduler"
	"github.com/Jmolenaartje/Factobox/pkg/types"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	// Inventory is the default starting count per resource name.
	Inventory map[string]int `yaml:"inventory"`

	Device struct {
		Transport      string        `yaml:"transport"` // serial | tcp
		Port           string        `yaml:"port"`
		BaudRate       int           `yaml:"baud_rate"`
		Address        string        `yaml:"address"`
		AckTimeout     time.Duration `yaml:"ack_timeout"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	} `yaml:"device"`

	Scheduler struct {
		RetryBackoff time.Duration `yaml:"retry_backoff"`
		HistorySize  int           `yaml:"history_size"`
	} `yaml:"scheduler"`

	Snapshot struct {
		Enabled         bool   `yaml:"enabled"`
		Path            string `yaml:"path"`
		IntervalSeconds int    `yaml:"interval_seconds"`
	} `yaml:"snapshot"`

	HTTP struct {
		Addr           string   `yaml:"addr"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"http"`

	GRPC struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"grpc"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Logging struct {
		Level  string `yaml:"level"`  // debug | info | warn | error
		Format string `yaml:"format"` // text | json
	} `yaml:"logging"`
}

// DefaultConfig returns the settings used for anything a file leaves out.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Device.Transport = "serial"
	cfg.Device.Port = "COM3"
	cfg.Device.BaudRate = 9600
	cfg.Device.AckTimeout = 10 * time.Second
	cfg.Device.ReconnectDelay = 3 * time.Second
	cfg.Scheduler.RetryBackoff = 2 * time.Second
	cfg.Scheduler.HistorySize = 32
	cfg.Snapshot.Enabled = true
	cfg.Snapshot.Path = "data/factobox.snapshot.json"
	cfg.Snapshot.IntervalSeconds = 30
	cfg.HTTP.Addr = ":5000"
	cfg.GRPC.Enabled = true
	cfg.GRPC.Addr = ":50051"
	cfg.Metrics.Enabled = true
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// LoadConfig reads a YAML file over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	if _, err := c.StartingInventory(); err != nil {
		return err
	}

	switch strings.ToLower(c.Device.Transport) {
	case "serial":
		if c.Device.Port == "" {
			return fmt.Errorf("%w: device.port is required for serial transport", ErrInvalidConfig)
		}
		if c.Device.BaudRate <= 0 {
			return fmt.Errorf("%w: device.baud_rate must be positive", ErrInvalidConfig)
		}
	case "tcp":
		if c.Device.Address == "" {
			return fmt.Errorf("%w: device.address is required for tcp transport", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown device.transport %q", ErrInvalidConfig, c.Device.Transport)
	}

	if c.Device.AckTimeout <= 0 {
		return fmt.Errorf("%w: device.ack_timeout must be positive", ErrInvalidConfig)
	}
	if c.Snapshot.Enabled && c.Snapshot.Path == "" {
		return fmt.Errorf("%w: snapshot.path is required when snapshots are enabled", ErrInvalidConfig)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// defaultInventory applies when the file names no inventory at all.
var defaultInventory = types.Inventory{types.Red: 3, types.Green: 3, types.Blue: 3}

// StartingInventory converts the configured names into an Inventory. Types
// the file leaves out start at zero.
func (c *Config) StartingInventory() (types.Inventory, error) {
	if len(c.Inventory) == 0 {
		return defaultInventory.Clone(), nil
	}
	inv := make(types.Inventory, len(types.AllResources))
	for name, n := range c.Inventory {
		r, err := types.ParseResourceType(name)
		if err != nil {
			return nil, fmt.Errorf("%w: inventory: %v", ErrInvalidConfig, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: inventory.%s is negative", ErrInvalidConfig, name)
		}
		if _, dup := inv[r]; dup {
			return nil, fmt.Errorf("%w: inventory lists %s twice", ErrInvalidConfig, r)
		}
		inv[r] = n
	}
	for _, r := range types.AllResources {
		if _, ok := inv[r]; !ok {
			inv[r] = 0
		}
	}
	return inv, nil
}

// Dialer builds the configured device transport.
func (c *Config) Dialer() device.Dialer {
	if strings.EqualFold(c.Device.Transport, "tcp") {
		return device.TCPDialer{Address: c.Device.Address, Timeout: c.Device.AckTimeout}
	}
	return device.SerialDialer{Port: c.Device.Port, BaudRate: c.Device.BaudRate}
}

// ControllerConfig maps the file onto the controller's settings.
func (c *Config) ControllerConfig() (controller.Config, error) {
	inv, err := c.StartingInventory()
	if err != nil {
		return controller.Config{}, err
	}
	return controller.Config{
		Inventory: inv,
		Dialer:    c.Dialer(),
		Device: device.Config{
			AckTimeout:     c.Device.AckTimeout,
			ReconnectDelay: c.Device.ReconnectDelay,
		},
		Scheduler: scheduler.Config{
			RetryBackoff: c.Scheduler.RetryBackoff,
			HistorySize:  c.Scheduler.HistorySize,
		},
		SnapshotEnabled:  c.Snapshot.Enabled,
		SnapshotPath:     c.Snapshot.Path,
		SnapshotInterval: time.Duration(c.Snapshot.IntervalSeconds) * time.Second,
	}, nil
}

// ============================================================================
// Logging
// ============================================================================

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("%w: unknown logging.level %q", ErrInvalidConfig, s)
	}
	return level, nil
}

// newLogger builds the process logger described by the config.
func (c *Config) newLogger(out io.Writer) *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(c.Logging.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// setupLogging installs the configured logger as the process default.
func setupLogging(cfg *Config) {
	slog.SetDefault(cfg.newLogger(os.Stderr))
	if level, err := parseLevel(cfg.Logging.Level); err == nil {
		// Package loggers captured before SetDefault go through the log bridge.
		slog.SetLogLoggerLevel(level)
	}
}
