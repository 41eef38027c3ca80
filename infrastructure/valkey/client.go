// Package valkey wraps the valkey-go client for the two places the engine
// shares state across servers: the rule-set cache and the websocket broadcast
// channel.
package valkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"
)

// Config mirrors the VALKEY_* environment block.
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// Client owns one connection pool plus the deployment key prefix, so every
// key the engine writes stays inside its namespace.
type Client struct {
	inner  valkeylib.Client
	prefix string
}

// NewClient dials and verifies the connection. A node that cannot answer a
// ping at startup is a configuration error, not something to retry silently;
// the engine falls back to the in-process cache instead.
func NewClient(cfg Config) (*Client, error) {
	opts := valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	inner, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := inner.Do(ctx, inner.B().Ping().Build()).Error(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("failed to ping valkey at %s: %w", cfg.Address, err)
	}

	prefix := cfg.KeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &Client{inner: inner, prefix: prefix}, nil
}

// Inner exposes the raw valkey-go client; the rule cache and the pub/sub
// subscriber build their own commands on it.
func (c *Client) Inner() valkeylib.Client {
	return c.inner
}

// Key joins parts under the deployment prefix:
// Key("rules", "alice") -> "azfilter:rules:alice".
func (c *Client) Key(parts ...string) string {
	if len(parts) == 0 {
		return strings.TrimSuffix(c.prefix, ":")
	}
	return c.prefix + strings.Join(parts, ":")
}

func (c *Client) Close() {
	if c.inner != nil {
		c.inner.Close()
	}
}
