package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. COORD_REDIS_URL.
const EnvPrefix = "COORD"

// Loader handles configuration loading from defaults, an optional YAML file
// and the environment.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{v: viper.New()}
}

// NewLoaderWithViper creates a loader using an existing viper instance, so
// CLI flags bound to it take precedence.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v}
}

// WithConfigFile sets an explicit config file path. A missing explicit file
// is an error; a missing searched-for file is not.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads and validates configuration from all sources.
// Precedence (highest to lowest):
// 1. CLI flags (bound via viper.BindPFlag)
// 2. Environment variables (COORD_*)
// 3. Config file (--config, or coord.yaml in . or ~/.config/coord)
// 4. Defaults
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("coord")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "coord"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || l.configFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Load reads configuration with an optional explicit file path.
func Load(path string) (*Config, error) {
	return NewLoader().WithConfigFile(path).Load()
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("redis.url", "redis://localhost:6379/0")
	l.v.SetDefault("redis.pool_size", 0)
	l.v.SetDefault("redis.dial_timeout", "5s")
	l.v.SetDefault("redis.read_timeout", "3s")
	l.v.SetDefault("redis.write_timeout", "3s")

	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "text")

	l.v.SetDefault("lock.timeout", "10s")
	l.v.SetDefault("lock.max_retries", 100)
	l.v.SetDefault("lock.retry_delay", "25ms")
	l.v.SetDefault("lock.max_retry_delay", "500ms")

	// Active work: 3h TTL and max age on both registries.
	l.v.SetDefault("registry.ttl", "3h")
	l.v.SetDefault("registry.max_age", "3h")
	l.v.SetDefault("registry.update_retries", 10)
	l.v.SetDefault("registry.diagnostic_probes", 3)
	l.v.SetDefault("registry.diagnostic_delay", "10ms")
	l.v.SetDefault("registry.schema_cache_size", 4096)

	l.v.SetDefault("stream.cap", 1000)
	l.v.SetDefault("stream.ttl", "1h")
	l.v.SetDefault("stream.refresh_every", 100)
	l.v.SetDefault("stream.cleanup_grace", "30s")

	l.v.SetDefault("observer.addr", ":8090")
	l.v.SetDefault("observer.allowed_origins", []string{})
	l.v.SetDefault("observer.shutdown_timeout", "10s")
	l.v.SetDefault("observer.max_read_timeout", "30s")
}
