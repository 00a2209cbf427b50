package realtime

import (
	"context"
	"time"

	"github.com/okian/flagboard/pkg/logger"
)

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithQueueSize bounds the inbound event queue between read loop and dispatcher.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// TokenSource yields the credential for one connect attempt.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// ConnectOption configures one Connect cycle. Options passed to a Connect
// call that joins an existing connection or attempt are ignored.
type ConnectOption func(*connectConfig)

type connectConfig struct {
	token          TokenSource
	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	connectTimeout time.Duration
	transports     []Dialer
	onError        func(error)
	onStatus       func(Status)
}

func defaultConnectConfig() connectConfig {
	return connectConfig{
		token:          StaticToken(""),
		baseDelay:      time.Second,
		maxDelay:       5 * time.Second,
		connectTimeout: 20 * time.Second,
	}
}

// WithTokenSource reads the auth token at every connect attempt.
func WithTokenSource(ts TokenSource) ConnectOption {
	return func(c *connectConfig) {
		if ts != nil {
			c.token = ts
		}
	}
}

// WithReconnectAttempts caps consecutive failed attempts; 0 retries forever.
func WithReconnectAttempts(n int) ConnectOption {
	return func(c *connectConfig) {
		if n >= 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff sets the first and the largest delay between attempts.
func WithBackoff(base, ceiling time.Duration) ConnectOption {
	return func(c *connectConfig) {
		if base > 0 {
			c.baseDelay = base
		}
		if ceiling >= c.baseDelay {
			c.maxDelay = ceiling
		} else if c.maxDelay < c.baseDelay {
			c.maxDelay = c.baseDelay
		}
	}
}

// WithConnectTimeout bounds dial plus handshake for one attempt.
func WithConnectTimeout(d time.Duration) ConnectOption {
	return func(c *connectConfig) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithTransports sets the dialers tried, in order, on each attempt.
func WithTransports(d ...Dialer) ConnectOption {
	return func(c *connectConfig) {
		if len(d) > 0 {
			c.transports = d
		}
	}
}

// WithErrorObserver receives connect and transport errors.
func WithErrorObserver(fn func(error)) ConnectOption {
	return func(c *connectConfig) { c.onError = fn }
}

// WithStatusObserver receives every status transition of this cycle.
func WithStatusObserver(fn func(Status)) ConnectOption {
	return func(c *connectConfig) { c.onStatus = fn }
}
