package registry

import (
	"time"

	"github.com/pkg/errors"
)

// Config tunes one registry instantiation.
type Config struct {
	// Name labels logs and metrics.
	Name string `mapstructure:"-" yaml:"-"`
	// Prefix is prepended to the scope's key parts.
	Prefix string `mapstructure:"-" yaml:"-"`

	// TTL is applied to the whole scope hash on every write.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
	// MaxAge hides items queued longer ago than this from List.
	MaxAge time.Duration `mapstructure:"max_age" yaml:"max_age"`
	// UpdateRetries bounds optimistic retries of Update.
	UpdateRetries int `mapstructure:"update_retries" yaml:"update_retries"`
	// DiagnosticProbes is how many delayed re-reads Update performs before
	// reporting a missing item as never found. Zero disables the probes.
	DiagnosticProbes int `mapstructure:"diagnostic_probes" yaml:"diagnostic_probes"`
	// DiagnosticDelay is the first probe delay; it doubles on every probe.
	DiagnosticDelay time.Duration `mapstructure:"diagnostic_delay" yaml:"diagnostic_delay"`
	// SchemaCacheSize bounds the set of scope keys remembered as current.
	SchemaCacheSize int `mapstructure:"schema_cache_size" yaml:"schema_cache_size"`
}

// DefaultConfig returns the settings used for both active-work registries.
func DefaultConfig() Config {
	return Config{
		TTL:              3 * time.Hour,
		MaxAge:           3 * time.Hour,
		UpdateRetries:    10,
		DiagnosticProbes: 3,
		DiagnosticDelay:  10 * time.Millisecond,
		SchemaCacheSize:  4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.MaxAge <= 0 {
		c.MaxAge = c.TTL
	}
	if c.UpdateRetries <= 0 {
		c.UpdateRetries = d.UpdateRetries
	}
	if c.DiagnosticProbes < 0 {
		c.DiagnosticProbes = 0
	}
	if c.DiagnosticDelay <= 0 {
		c.DiagnosticDelay = d.DiagnosticDelay
	}
	if c.SchemaCacheSize <= 0 {
		c.SchemaCacheSize = d.SchemaCacheSize
	}
	return c
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("registry name cannot be empty")
	}
	if c.Prefix == "" {
		return errors.New("registry key prefix cannot be empty")
	}
	return nil
}
