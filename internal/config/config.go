// Package config loads tool settings from flags, environment and an optional
// config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bigbag/smdeploy/internal/deploy"
	"github.com/bigbag/smdeploy/internal/log"
	"github.com/bigbag/smdeploy/internal/protocol"
	"github.com/bigbag/smdeploy/internal/smlink"
)

// EnvPrefix prefixes environment variables, e.g. SMDEPLOY_PORT or
// SMDEPLOY_LOG_LEVEL.
const EnvPrefix = "SMDEPLOY"

// Config holds the settings shared by all commands.
type Config struct {
	// Port is the serial port of the drive bus. Empty means auto-detect.
	Port    string        `mapstructure:"port"`
	Baud    int           `mapstructure:"baud"`
	Address int           `mapstructure:"address"`
	Timeout time.Duration `mapstructure:"timeout"`

	// MetricsTextfile, if set, is where metrics are written after a run.
	MetricsTextfile string `mapstructure:"metrics-textfile"`

	Log    *log.Options  `mapstructure:"log"`
	Deploy DeployOptions `mapstructure:"deploy"`
}

// DeployOptions select the optional deployment steps.
type DeployOptions struct {
	DisableDuringConfig bool `mapstructure:"disable-during-config"`
	ClearFaults         bool `mapstructure:"clear-faults"`
	AlwaysRestart       bool `mapstructure:"always-restart"`
}

// Mode returns the deployment mode flags.
func (o DeployOptions) Mode() deploy.Mode {
	var m deploy.Mode
	if o.DisableDuringConfig {
		m |= deploy.DisableDuringConfig
	}
	if o.ClearFaults {
		m |= deploy.ClearFaultsAfterConfig
	}
	if o.AlwaysRestart {
		m |= deploy.AlwaysRestartTarget
	}
	return m
}

// New returns a Config with default values.
func New() *Config {
	return &Config{
		Baud:    protocol.DefaultBaudRate,
		Address: 1,
		Timeout: smlink.DefaultTimeout,
		Log:     log.NewOptions(),
	}
}

// AddFlags binds the persistent command-line flags.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Port, "port", "p", c.Port, "Serial port (auto-detect if not specified)")
	fs.IntVarP(&c.Baud, "baud", "b", c.Baud, "Baud rate")
	fs.IntVarP(&c.Address, "address", "a", c.Address, "Drive bus address")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "Response timeout of a single bus transaction")
	fs.StringVar(&c.MetricsTextfile, "metrics-textfile", c.MetricsTextfile, "Write Prometheus metrics to this file after the run")
	c.Log.AddFlags(fs)
}

// AddDeployFlags binds the flags of the deploy command.
func (c *Config) AddDeployFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&c.Deploy.DisableDuringConfig, "deploy.disable-during-config", c.Deploy.DisableDuringConfig,
		"Disable the drive while parameters are written")
	fs.BoolVar(&c.Deploy.ClearFaults, "deploy.clear-faults", c.Deploy.ClearFaults,
		"Clear drive faults after writing parameters")
	fs.BoolVar(&c.Deploy.AlwaysRestart, "deploy.always-restart", c.Deploy.AlwaysRestart,
		"Restart the drive after deployment even if it does not need it")
}

// Load merges the config file, environment and the flags in fs into a new
// Config. Flags set on the command line win over the environment, which wins
// over the file. file may be empty.
func Load(fs *pflag.FlagSet, file string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := New()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Address < 0 || c.Address > 255 {
		errs = append(errs, fmt.Errorf("address must be 0-255, got %d", c.Address))
	}
	if c.Baud <= 0 {
		errs = append(errs, fmt.Errorf("baud must be positive, got %d", c.Baud))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %v", c.Timeout))
	}
	errs = append(errs, c.Log.Validate()...)
	return errors.Join(errs...)
}
