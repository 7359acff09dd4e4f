package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/latitude-dev/latitude-llm-sub007/pkg/eventstream"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/lock"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/registry"
)

// Config is the effective configuration of the coordination binaries.
type Config struct {
	Redis    RedisConfig        `mapstructure:"redis" yaml:"redis"`
	Log      LogConfig          `mapstructure:"log" yaml:"log"`
	Lock     lock.Options       `mapstructure:"lock" yaml:"lock"`
	Registry registry.Config    `mapstructure:"registry" yaml:"registry"`
	Stream   eventstream.Config `mapstructure:"stream" yaml:"stream"`
	Observer ObserverConfig     `mapstructure:"observer" yaml:"observer"`
}

// RedisConfig locates the shared store.
type RedisConfig struct {
	URL          string        `mapstructure:"url" yaml:"url"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"` // 0 = go-redis default
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// LogConfig selects the log level and formatter.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// ObserverConfig configures the read-only HTTP observer.
type ObserverConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// MaxReadTimeout caps the blocking time a stream read request may ask for.
	MaxReadTimeout time.Duration `mapstructure:"max_read_timeout" yaml:"max_read_timeout"`
}

// Validate performs strict validation on the configuration
func (c *Config) Validate() error {
	// Required: a parseable store url
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	u, err := url.Parse(c.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis.url: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" && u.Scheme != "unix" {
		return fmt.Errorf("invalid redis.url scheme: %s (must be 'redis', 'rediss' or 'unix')", u.Scheme)
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0, got %d", c.Redis.PoolSize)
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %s", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format: %s (must be 'text' or 'json')", c.Log.Format)
	}

	if c.Lock.Timeout <= 0 {
		return fmt.Errorf("lock.timeout must be > 0, got %s", c.Lock.Timeout)
	}
	if c.Lock.MaxRetries < 0 {
		return fmt.Errorf("lock.max_retries must be >= 0, got %d", c.Lock.MaxRetries)
	}
	if c.Lock.RetryDelay <= 0 || c.Lock.MaxRetryDelay < c.Lock.RetryDelay {
		return fmt.Errorf("lock.retry_delay must be > 0 and <= lock.max_retry_delay (got %s and %s)",
			c.Lock.RetryDelay, c.Lock.MaxRetryDelay)
	}

	if c.Registry.TTL <= 0 {
		return fmt.Errorf("registry.ttl must be > 0, got %s", c.Registry.TTL)
	}
	if c.Registry.MaxAge > c.Registry.TTL {
		return fmt.Errorf("registry.max_age (%s) cannot exceed registry.ttl (%s)", c.Registry.MaxAge, c.Registry.TTL)
	}
	if c.Registry.UpdateRetries < 0 || c.Registry.DiagnosticProbes < 0 {
		return fmt.Errorf("registry.update_retries and registry.diagnostic_probes must be >= 0")
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("invalid stream config: %w", err)
	}
	if c.Stream.Cap == 0 || c.Stream.RefreshEvery == 0 {
		return fmt.Errorf("stream.cap and stream.refresh_every must be > 0")
	}

	if c.Observer.Addr == "" {
		return fmt.Errorf("observer.addr is required")
	}
	if c.Observer.MaxReadTimeout < 0 {
		return fmt.Errorf("observer.max_read_timeout must be >= 0, got %s", c.Observer.MaxReadTimeout)
	}

	return nil
}

// RedisOptions converts the store section into go-redis options.
func (c *Config) RedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis.url: %w", err)
	}
	if c.Redis.PoolSize > 0 {
		opts.PoolSize = c.Redis.PoolSize
	}
	if c.Redis.DialTimeout > 0 {
		opts.DialTimeout = c.Redis.DialTimeout
	}
	if c.Redis.ReadTimeout > 0 {
		opts.ReadTimeout = c.Redis.ReadTimeout
	}
	if c.Redis.WriteTimeout > 0 {
		opts.WriteTimeout = c.Redis.WriteTimeout
	}
	return opts, nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	if u, err := url.Parse(c.Redis.URL); err == nil && u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
		redacted.Redis.URL = u.String()
	}

	data, err := yaml.Marshal(&redacted)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return data, nil
}
