package eventstream

import (
	"time"

	"github.com/pkg/errors"
)

// Config holds stream settings shared by every channel of a process.
type Config struct {
	// Cap is the approximate maximum number of entries kept per stream.
	Cap int64 `mapstructure:"cap" yaml:"cap"`
	// TTL is applied to the stream key on the first write and every
	// RefreshEvery writes after that.
	TTL          time.Duration `mapstructure:"ttl" yaml:"ttl"`
	RefreshEvery int64         `mapstructure:"refresh_every" yaml:"refresh_every"`
	// CleanupGrace is the TTL Cleanup leaves behind when called with zero.
	CleanupGrace time.Duration `mapstructure:"cleanup_grace" yaml:"cleanup_grace"`
}

func DefaultConfig() Config {
	return Config{
		Cap:          1000,
		TTL:          time.Hour,
		RefreshEvery: 100,
		CleanupGrace: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Cap <= 0 {
		c.Cap = d.Cap
	}
	if c.TTL <= 0 {
		c.TTL = d.TTL
	}
	if c.RefreshEvery <= 0 {
		c.RefreshEvery = d.RefreshEvery
	}
	if c.CleanupGrace <= 0 {
		c.CleanupGrace = d.CleanupGrace
	}
	return c
}

// Validate rejects settings that cannot describe a bounded stream.
func (c Config) Validate() error {
	if c.Cap < 0 {
		return errors.Errorf("stream cap cannot be negative, got %d", c.Cap)
	}
	if c.TTL < 0 {
		return errors.Errorf("stream ttl cannot be negative, got %s", c.TTL)
	}
	if c.RefreshEvery < 0 {
		return errors.Errorf("stream refresh interval cannot be negative, got %d", c.RefreshEvery)
	}
	if c.CleanupGrace < 0 {
		return errors.Errorf("stream cleanup grace cannot be negative, got %s", c.CleanupGrace)
	}
	return nil
}
