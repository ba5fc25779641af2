package refill

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values
const (
	DefaultTimeout        = 5 * time.Second
	DefaultRefreshPeriod  = 500 * time.Nanosecond
	DefaultLimitForPeriod = 50
)

// Config holds the settings of a single refill limiter.
//
// The rate is expressed as "LimitForPeriod permits per RefreshPeriod".
// From these two values a nanos-per-permit ratio is derived once during
// validation; all refill arithmetic runs on that ratio.
type Config struct {
	// Timeout maximum duration a caller is willing to wait for permits
	Timeout time.Duration `mapstructure:"timeout"`

	// RefreshPeriod period over which LimitForPeriod permits are released
	RefreshPeriod time.Duration `mapstructure:"refresh_period"`

	// LimitForPeriod permits released per refresh period
	LimitForPeriod int64 `mapstructure:"limit_for_period"`

	// PermitCapacity maximum permits the bucket can hold
	// (defaults to LimitForPeriod, never clamped below it)
	PermitCapacity int64 `mapstructure:"permit_capacity"`

	// InitialPermits starting permit count (nil means LimitForPeriod)
	InitialPermits *int64 `mapstructure:"initial_permits"`

	// WritableStackTrace controls whether NotPermittedError carries a
	// stack trace. Cosmetic only, has no effect on admission decisions.
	WritableStackTrace bool `mapstructure:"writable_stack_trace"`

	// Derived during Validate, immutable afterwards.
	nanosPerPermit int64
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:            DefaultTimeout,
		RefreshPeriod:      DefaultRefreshPeriod,
		LimitForPeriod:     DefaultLimitForPeriod,
		WritableStackTrace: true,
	}
}

// Validate checks the configuration, applies defaults and computes the
// nanos-per-permit ratio. Must be called before the config is handed to a
// limiter; New does this on the caller's behalf.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return &ValidationError{Field: "timeout", Message: "must be >= 0"}
	}
	if c.RefreshPeriod < time.Nanosecond {
		return &ValidationError{Field: "refresh_period", Message: "must be at least 1ns"}
	}
	if c.LimitForPeriod < 1 {
		return &ValidationError{Field: "limit_for_period", Message: "must be >= 1"}
	}

	// Capacity never shrinks below the per-period release rate.
	if c.PermitCapacity < c.LimitForPeriod {
		c.PermitCapacity = c.LimitForPeriod
	}

	if c.InitialPermits == nil {
		initial := c.LimitForPeriod
		c.InitialPermits = &initial
	}
	if *c.InitialPermits < 0 {
		return &ValidationError{Field: "initial_permits", Message: "must be >= 0"}
	}
	if *c.InitialPermits > c.PermitCapacity {
		return &ValidationError{Field: "initial_permits", Message: "must be <= permit_capacity"}
	}

	c.nanosPerPermit = int64(c.RefreshPeriod) / c.LimitForPeriod
	if c.nanosPerPermit < 1 {
		// Integer floor division would otherwise yield a zero ratio and a
		// division by zero in the batch calculation.
		return &ValidationError{
			Field:   "refresh_period",
			Message: "too short for limit_for_period, releasing one permit would take less than 1ns",
		}
	}

	return nil
}

// NanosPerPermit returns the nanoseconds needed to release one permit.
// Only meaningful after Validate.
func (c Config) NanosPerPermit() int64 {
	return c.nanosPerPermit
}

// WithTimeout returns a copy of the configuration with a new timeout.
// The original is left untouched.
func (c Config) WithTimeout(timeout time.Duration) (Config, error) {
	c.Timeout = timeout
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// WithLimitForPeriod returns a copy of the configuration with a new
// limit-for-period. The nanos-per-permit ratio is recomputed against the
// original refresh period and the capacity is reset to the new limit.
func (c Config) WithLimitForPeriod(limitForPeriod int64) (Config, error) {
	c.LimitForPeriod = limitForPeriod
	c.PermitCapacity = limitForPeriod
	if c.InitialPermits != nil && *c.InitialPermits > limitForPeriod {
		initial := limitForPeriod
		c.InitialPermits = &initial
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// merge overlays non-zero override values on top of the receiver.
func (c Config) merge(override Config) Config {
	result := c

	if override.Timeout > 0 {
		result.Timeout = override.Timeout
	}
	if override.RefreshPeriod > 0 {
		result.RefreshPeriod = override.RefreshPeriod
	}
	if override.LimitForPeriod > 0 {
		result.LimitForPeriod = override.LimitForPeriod
	}
	if override.PermitCapacity > 0 {
		result.PermitCapacity = override.PermitCapacity
	}
	if override.InitialPermits != nil {
		result.InitialPermits = override.InitialPermits
	}
	if override.WritableStackTrace {
		result.WritableStackTrace = true
	}

	// Any ratio derived for the base no longer applies.
	result.nanosPerPermit = 0
	return result
}

// RegistryConfig configures a limiter registry.
type RegistryConfig struct {
	// Default configuration applied to limiters without an explicit entry
	Default Config `mapstructure:"default"`

	// Limiters per-name configuration (overrides Default field by field)
	Limiters map[string]Config `mapstructure:"limiters"`

	// EventBufferSize event bus buffer size
	EventBufferSize int `mapstructure:"event_buffer_size"`
}

// DefaultRegistryConfig returns the default registry configuration.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Default:         DefaultConfig(),
		Limiters:        make(map[string]Config),
		EventBufferSize: 500,
	}
}

// Validate checks the registry configuration and every limiter entry.
func (c *RegistryConfig) Validate() error {
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 500
	}

	if err := c.Default.Validate(); err != nil {
		return err
	}

	for name, override := range c.Limiters {
		merged := c.Default.merge(override)
		if err := merged.Validate(); err != nil {
			return fmt.Errorf("limiter %q: %w", name, err)
		}
		c.Limiters[name] = merged
	}

	return nil
}

// LoadRegistryConfig reads a registry configuration from the given viper
// instance under key. Missing keys fall back to defaults.
func LoadRegistryConfig(v *viper.Viper, key string) (RegistryConfig, error) {
	cfg := DefaultRegistryConfig()

	if v != nil && v.IsSet(key) {
		if err := v.UnmarshalKey(key, &cfg); err != nil {
			return RegistryConfig{}, fmt.Errorf("unmarshal %q: %w", key, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return RegistryConfig{}, err
	}
	return cfg, nil
}
