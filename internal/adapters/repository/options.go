package repository

import (
	"github.com/okian/flagboard/internal/domain/leaderboard"
	"github.com/okian/flagboard/pkg/logger"
)

// Option applies a configuration option to the ProjectionStore.
type Option func(*ProjectionStore)

// WithTopN bounds every stored projection.
func WithTopN(n int) Option {
	return func(s *ProjectionStore) {
		if n > 0 {
			s.topN = n
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(s *ProjectionStore) {
		if l != nil {
			s.log = l
		}
	}
}

// ApplyOption qualifies a single ApplySnapshot call.
type ApplyOption func(*applyOptions)

type applyOptions struct {
	authoritative bool
	source        leaderboard.Source
	serverClock   bool
}

// Authoritative allows the snapshot to lower a team's points.
func Authoritative(v bool) ApplyOption {
	return func(o *applyOptions) { o.authoritative = v }
}

// FromSource tags the snapshot origin for logs and metrics.
func FromSource(src leaderboard.Source) ApplyOption {
	return func(o *applyOptions) {
		if src != "" {
			o.source = src
		}
	}
}

// ServerClock says whether ts was stamped by the server (the default) or
// is a local receive time. Each clock is only ordered against itself.
func ServerClock(v bool) ApplyOption {
	return func(o *applyOptions) { o.serverClock = v }
}

// SnapshotOptions derives the apply options carried by a decoded snapshot.
func SnapshotOptions(s leaderboard.Snapshot) []ApplyOption {
	return []ApplyOption{Authoritative(s.Authoritative), FromSource(s.Source), ServerClock(s.ServerTime)}
}
