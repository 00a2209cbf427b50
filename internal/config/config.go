// Package config defines client configuration structures and loading hooks.
//
// Conventions:
// - Durations are configured in milliseconds and exposed through accessor methods.
// - Provide New() to build a Config with defaults; Load layers overrides on top.
// - External errors are wrapped with this package's sentinel errors.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects text or json log output.
	LogFormat string `koanf:"log_format"`

	// BaseURL is the scoring backend REST root, e.g. "http://localhost:5000".
	BaseURL string `koanf:"base_url"`

	// SocketURL is the push channel origin. Empty means BaseURL.
	SocketURL string `koanf:"socket_url"`

	// SocketPath is the Socket.IO mount path on SocketURL.
	SocketPath string `koanf:"socket_path"`

	// Token is the bearer credential sent to REST and the push channel.
	Token string `koanf:"token"`

	// Tiers lists the leaderboard difficulty tiers kept in sync.
	Tiers []string `koanf:"tiers"`

	// DefaultTier receives legacy untiered leaderboard events.
	DefaultTier string `koanf:"default_tier"`

	// TopN bounds each projection.
	TopN int `koanf:"top_n"`

	FetchTimeoutMS   int `koanf:"fetch_timeout_ms"`
	ConnectTimeoutMS int `koanf:"connect_timeout_ms"`

	// ReconnectAttempts caps reconnect attempts after a transport loss; 0 is unbounded.
	ReconnectAttempts    int `koanf:"reconnect_attempts"`
	ReconnectBaseDelayMS int `koanf:"reconnect_base_delay_ms"`
	ReconnectMaxDelayMS  int `koanf:"reconnect_max_delay_ms"`

	// QueueSize bounds the inbound push event queue.
	QueueSize int `koanf:"queue_size"`

	// PollIntervalMS and StaleAfterMS drive the REST polling fallback used
	// while the push channel is down.
	PollIntervalMS int `koanf:"poll_interval_ms"`
	StaleAfterMS   int `koanf:"stale_after_ms"`

	// StatusAddr is the local status API listen address. Empty disables it.
	StatusAddr string `koanf:"status_addr"`

	// Prometheus naming and latency histogram buckets (milliseconds).
	MetricsNamespace string    `koanf:"metrics_namespace"`
	MetricsSubsystem string    `koanf:"metrics_subsystem"`
	MetricsBucketsMS []float64 `koanf:"metrics_buckets_ms"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		BaseURL:              "http://localhost:5000",
		SocketPath:           "/socket.io",
		Tiers:                []string{"beginner"},
		DefaultTier:          "beginner",
		TopN:                 50,
		FetchTimeoutMS:       10_000,
		ConnectTimeoutMS:     20_000,
		ReconnectAttempts:    0,
		ReconnectBaseDelayMS: 1_000,
		ReconnectMaxDelayMS:  5_000,
		QueueSize:            1_024,
		PollIntervalMS:       15_000,
		StaleAfterMS:         30_000,
		StatusAddr:           "127.0.0.1:9480",
		MetricsNamespace:     "flagboard",
		MetricsSubsystem:     "client",
		MetricsBucketsMS:     []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}
}

// FetchTimeout returns the REST request deadline.
func (c *Config) FetchTimeout() time.Duration { return ms(c.FetchTimeoutMS) }

// ConnectTimeout returns the per-attempt push channel dial deadline.
func (c *Config) ConnectTimeout() time.Duration { return ms(c.ConnectTimeoutMS) }

// ReconnectBaseDelay returns the first reconnect backoff interval.
func (c *Config) ReconnectBaseDelay() time.Duration { return ms(c.ReconnectBaseDelayMS) }

// ReconnectMaxDelay returns the reconnect backoff ceiling.
func (c *Config) ReconnectMaxDelay() time.Duration { return ms(c.ReconnectMaxDelayMS) }

// PollInterval returns the polling fallback period.
func (c *Config) PollInterval() time.Duration { return ms(c.PollIntervalMS) }

// StaleAfter returns how long the push channel may be down before polling starts.
func (c *Config) StaleAfter() time.Duration { return ms(c.StaleAfterMS) }

// SocketEndpoint returns the push channel origin, falling back to BaseURL.
func (c *Config) SocketEndpoint() string {
	if c.SocketURL != "" {
		return c.SocketURL
	}
	return c.BaseURL
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// Validate checks invariants the rest of the client relies on.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base_url must not be empty", ErrInvalidConfig)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: base_url %q is not an absolute URL", ErrInvalidConfig, c.BaseURL)
	}
	if c.SocketURL != "" {
		if u, err := url.Parse(c.SocketURL); err != nil || u.Host == "" {
			return fmt.Errorf("%w: socket_url %q is not an absolute URL", ErrInvalidConfig, c.SocketURL)
		}
	}
	if !strings.HasPrefix(c.SocketPath, "/") {
		return fmt.Errorf("%w: socket_path must start with /", ErrInvalidConfig)
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("%w: at least one tier is required", ErrInvalidConfig)
	}
	for _, t := range c.Tiers {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: tier names must not be empty", ErrInvalidConfig)
		}
	}
	if c.DefaultTier == "" {
		return fmt.Errorf("%w: default_tier must not be empty", ErrInvalidConfig)
	}
	if c.TopN <= 0 {
		return fmt.Errorf("%w: top_n must be positive", ErrInvalidConfig)
	}
	if c.FetchTimeoutMS <= 0 || c.ConnectTimeoutMS <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("%w: reconnect_attempts must not be negative", ErrInvalidConfig)
	}
	if c.ReconnectBaseDelayMS <= 0 || c.ReconnectMaxDelayMS < c.ReconnectBaseDelayMS {
		return fmt.Errorf("%w: reconnect delays must satisfy 0 < base <= max", ErrInvalidConfig)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	}
	if c.PollIntervalMS <= 0 || c.StaleAfterMS <= 0 {
		return fmt.Errorf("%w: poll_interval_ms and stale_after_ms must be positive", ErrInvalidConfig)
	}
	for i := 1; i < len(c.MetricsBucketsMS); i++ {
		if c.MetricsBucketsMS[i] <= c.MetricsBucketsMS[i-1] {
			return fmt.Errorf("%w: metrics_buckets_ms must be strictly increasing", ErrInvalidConfig)
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format must be text or json", ErrInvalidConfig)
	}
	return nil
}
