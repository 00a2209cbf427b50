package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/okian/flagboard/pkg/logger"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodySize    = 8 << 20
)

// Option configures a Client.
type Option func(*Client)

// TokenSource yields the bearer token for one request. An empty token sends
// no Authorization header and relies on the cookie jar.
type TokenSource func(ctx context.Context) (string, error)

// WithTimeout bounds every request. Zero or negative keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithToken sends a fixed bearer token.
func WithToken(token string) Option {
	return WithTokenSource(func(context.Context) (string, error) { return token, nil })
}

// WithTokenSource reads the bearer token per request.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		if ts != nil {
			c.token = ts
		}
	}
}

// WithHTTPClient replaces the underlying client. Its Jar is kept as is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTopN bounds decoded snapshots.
func WithTopN(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.topN = n
		}
	}
}

// WithClock sets the clock used for snapshots without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}
