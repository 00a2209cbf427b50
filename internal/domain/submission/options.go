package submission

import (
	"time"

	"github.com/okian/flagboard/internal/domain/dedupe"
	"github.com/okian/flagboard/pkg/logger"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTier scopes the post-solve refresh. Without it the refresh is unscoped.
func WithTier(tier string) Option {
	return func(c *Coordinator) { c.tier = tier }
}

// WithRefresher sets what runs once after a correct answer.
func WithRefresher(r Refresher) Option {
	return func(c *Coordinator) { c.refresh = r }
}

// WithRefreshTimeout bounds the post-solve refresh.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// WithRegistry replaces the process-wide solved registry.
func WithRegistry(r dedupe.Deduper) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock sets the attempt timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}
