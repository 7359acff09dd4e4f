package kv

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Client is the shared store handle used by every coordination component.
// It is constructed once by the owning process and passed explicitly into
// locks, registries and streams; nothing in this module keeps a global
// connection. The client is safe for concurrent use.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a store client from Redis connection options.
// The underlying pool is created lazily by go-redis on first use.
func NewClient(opts *redis.Options) (*Client, error) {
	if opts == nil {
		return nil, errors.New("redis options cannot be nil")
	}
	if opts.Addr == "" && opts.Dialer == nil {
		return nil, errors.New("redis address cannot be empty")
	}

	return &Client{rdb: redis.NewClient(opts)}, nil
}

// NewClientFromURL parses a redis:// or rediss:// URL and creates a client.
func NewClientFromURL(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid redis url %q", url)
	}
	return NewClient(opts)
}

// Redis exposes the underlying go-redis client for components that need
// commands not wrapped here (streams, scripts, transactions).
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Ping verifies store connectivity. Used by health checks and at startup.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping failed")
	}
	return nil
}

// Close closes the connection pool. Implements io.Closer.
// Connections handed out through Conn must be closed by their owners first.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Conn opens a dedicated connection taken out of the pool. Long-lived
// blocking readers use this so they never starve the shared pool.
func (c *Client) Conn() *redis.Conn {
	return c.rdb.Conn()
}
