package lock

import "time"

// Options bound lock acquisition. Timeout is both the acquisition budget and
// the expiry of the marker once acquired.
type Options struct {
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay" yaml:"max_retry_delay"`
}

// DefaultOptions returns the acquisition budget used when none is configured.
func DefaultOptions() Options {
	return Options{
		Timeout:       10 * time.Second,
		MaxRetries:    100,
		RetryDelay:    25 * time.Millisecond,
		MaxRetryDelay: 500 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = d.MaxRetryDelay
	}
	if o.MaxRetryDelay < o.RetryDelay {
		o.MaxRetryDelay = o.RetryDelay
	}
	return o
}

// Option overrides a single field of the Locker defaults for one call.
type Option func(*Options)

// WithTimeout sets the acquisition budget and marker expiry.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// WithMaxRetries caps the number of retries after the first attempt.
// Zero means a single attempt.
func WithMaxRetries(n int) Option {
	return func(o *Options) {
		if n >= 0 {
			o.MaxRetries = n
		}
	}
}

// WithRetryDelay sets the base backoff delay.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.RetryDelay = d
			if o.MaxRetryDelay < d {
				o.MaxRetryDelay = d
			}
		}
	}
}

// WithMaxRetryDelay caps the backoff delay.
func WithMaxRetryDelay(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.MaxRetryDelay = d
		}
	}
}
