// Package config loads the winvblockd configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (WINVBLOCK_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure for winvblockd.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Control ControlConfig `mapstructure:"control" yaml:"control"`
	AoE     AoEConfig     `mapstructure:"aoe" yaml:"aoe"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Probe lists the disks attached once, at driver startup.
	Probe ProbeConfig `mapstructure:"probe" yaml:"probe"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text, json
	Output string `mapstructure:"output" yaml:"output"` // stdout, stderr
}

// ControlConfig configures the control channel used by winvblk.
type ControlConfig struct {
	Socket string `mapstructure:"socket" yaml:"socket"`
}

// AoEConfig configures the ATA over Ethernet initiator.
type AoEConfig struct {
	// Interface is the network interface AoE frames are exchanged on.  AoE
	// is disabled when empty.
	Interface string `mapstructure:"interface" yaml:"interface"`

	DiscoverTimeout time.Duration `mapstructure:"discover_timeout" yaml:"discover_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	Retries         int           `mapstructure:"retries" yaml:"retries"`
}

// MetricsConfig configures the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// ProbeConfig lists the disks attached at startup.
type ProbeConfig struct {
	Files []FileDiskConfig `mapstructure:"files" yaml:"files"`
	AoE   []AoEDiskConfig  `mapstructure:"aoe" yaml:"aoe"`
}

// FileDiskConfig describes a file-backed disk image.  Zero geometry values
// are derived from the image size.
type FileDiskConfig struct {
	Path      string `mapstructure:"path" yaml:"path"`
	Media     string `mapstructure:"media" yaml:"media"` // c, f or h
	Cylinders uint32 `mapstructure:"cylinders" yaml:"cylinders"`
	Heads     uint32 `mapstructure:"heads" yaml:"heads"`
	Sectors   uint32 `mapstructure:"sectors" yaml:"sectors"`
}

// AoEDiskConfig addresses an AoE target by server MAC, shelf and slot.
type AoEDiskConfig struct {
	MAC   string `mapstructure:"mac" yaml:"mac"`
	Major uint16 `mapstructure:"major" yaml:"major"`
	Minor uint8  `mapstructure:"minor" yaml:"minor"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults replaces zero values in cfg with defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Control.Socket == "" {
		cfg.Control.Socket = DefaultSocket
	}

	if cfg.AoE.DiscoverTimeout == 0 {
		cfg.AoE.DiscoverTimeout = 2 * time.Second
	}
	if cfg.AoE.RequestTimeout == 0 {
		cfg.AoE.RequestTimeout = 5 * time.Second
	}
	if cfg.AoE.Retries == 0 {
		cfg.AoE.Retries = 3
	}

	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9187"
	}

	for i := range cfg.Probe.Files {
		if cfg.Probe.Files[i].Media == "" {
			cfg.Probe.Files[i].Media = "h"
		}
	}
}

// DefaultSocket is the control socket used when none is configured.
const DefaultSocket = "/run/winvblock.sock"

// Validate checks cfg for values the driver cannot work with.
func Validate(cfg *Config) error {
	var errs []error

	switch cfg.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format))
	}

	if cfg.AoE.DiscoverTimeout < 0 || cfg.AoE.RequestTimeout < 0 {
		errs = append(errs, errors.New("aoe: timeouts must be positive"))
	}
	if cfg.AoE.Retries < 0 {
		errs = append(errs, errors.New("aoe.retries: must not be negative"))
	}

	for i, f := range cfg.Probe.Files {
		if f.Path == "" {
			errs = append(errs, fmt.Errorf("probe.files[%d]: path is required", i))
		}
		if len(f.Media) != 1 || !strings.Contains("cfh", f.Media) {
			errs = append(errs, fmt.Errorf("probe.files[%d]: media must be one of c, f, h", i))
		}
	}

	for i, a := range cfg.Probe.AoE {
		if _, err := net.ParseMAC(a.MAC); err != nil {
			errs = append(errs, fmt.Errorf("probe.aoe[%d]: %w", i, err))
		}
	}
	if len(cfg.Probe.AoE) > 0 && cfg.AoE.Interface == "" {
		errs = append(errs, errors.New("probe.aoe: aoe.interface is required"))
	}

	return errors.Join(errs...)
}

// Load loads configuration from the file at path, the environment and
// defaults.  A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WINVBLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Environment overrides only apply to keys viper knows about.
	for _, k := range []string{
		"logging.level", "logging.format", "logging.output",
		"control.socket",
		"aoe.interface", "aoe.discover_timeout", "aoe.request_timeout", "aoe.retries",
		"metrics.enabled", "metrics.listen",
	} {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", k, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}
