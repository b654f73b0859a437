/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"time"

	"github.com/acronis/go-appkit/config"
)

const cfgDefaultKeyPrefix = "rateLimit"

const (
	cfgKeyWindow       = "window"
	cfgKeyBurst        = "burst"
	cfgKeySleepOnLimit = "sleepOnLimit"
	cfgKeyPassOnLimit  = "passOnLimit"
)

// DefaultWindow is a default value of the rate window for Config.
const DefaultWindow = time.Second

// Config represents a set of configuration parameters for a call rate limiter.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	// Window is the length of the rate window.
	Window config.TimeDuration `mapstructure:"window" yaml:"window" json:"window"`

	// Burst is the maximum number of calls allowed in a burst.
	Burst int `mapstructure:"burst" yaml:"burst" json:"burst"`

	// SleepOnLimit makes over-budget calls block until admission instead of failing.
	SleepOnLimit bool `mapstructure:"sleepOnLimit" yaml:"sleepOnLimit" json:"sleepOnLimit"`

	// PassOnLimit makes over-budget calls pass through silently.
	// It has no effect when SleepOnLimit is true.
	PassOnLimit bool `mapstructure:"passOnLimit" yaml:"passOnLimit" json:"passOnLimit"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		keyPrefix: opts.keyPrefix,
		Window:    config.TimeDuration(DefaultWindow),
		Burst:     DefaultBurst,
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for the limiter in config.DataProvider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyWindow, DefaultWindow.String())
	dp.SetDefault(cfgKeyBurst, DefaultBurst)
}

// Set sets limiter configuration values from config.DataProvider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	var window time.Duration
	if window, err = dp.GetDuration(cfgKeyWindow); err != nil {
		return err
	}
	c.Window = config.TimeDuration(window)

	if c.Burst, err = dp.GetInt(cfgKeyBurst); err != nil {
		return err
	}

	if c.SleepOnLimit, err = dp.GetBool(cfgKeySleepOnLimit); err != nil {
		return err
	}

	if c.PassOnLimit, err = dp.GetBool(cfgKeyPassOnLimit); err != nil {
		return err
	}

	return c.Validate()
}

// Validate validates configuration.
func (c *Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", time.Duration(c.Window))
	}
	if c.Burst <= 0 {
		return fmt.Errorf("burst must be positive, got %d", c.Burst)
	}
	return nil
}

// NewLimiterFromConfig creates a new Limiter based on the passed configuration.
func NewLimiterFromConfig(cfg *Config) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewLimiterWithOpts(time.Duration(cfg.Window), LimiterOpts{
		Burst:        cfg.Burst,
		SleepOnLimit: cfg.SleepOnLimit,
		PassOnLimit:  cfg.PassOnLimit,
	})
}
