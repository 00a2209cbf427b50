// Package repository holds the in-memory leaderboard projections, one per tier.
package repository

import (
	"context"
	"time"

	"github.com/okian/flagboard/internal/domain/leaderboard"
)

// Store provides read/write access to the per-tier projections.
type Store interface {
	// ApplySnapshot replaces the projection for tier wholesale unless ts is
	// older than the stored LastUpdated. Returns true when it was applied.
	ApplySnapshot(ctx context.Context, tier string, entries []leaderboard.Entry, ts time.Time, opts ...ApplyOption) (bool, error)

	// Projection returns a copy of the tier's current view. Unknown tiers
	// read as empty and are not tracked until a snapshot is applied.
	Projection(ctx context.Context, tier string) leaderboard.Projection

	// Subscribe registers fn to run after every successful apply for tier.
	Subscribe(tier string, fn func(leaderboard.Projection)) (unsubscribe func())

	// Tiers lists known tier keys in sorted order.
	Tiers(ctx context.Context) []string

	// Count returns the number of tiers tracked.
	Count(ctx context.Context) int
}
