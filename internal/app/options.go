package service

import (
	"time"

	"github.com/okian/flagboard/internal/adapters/realtime"
	"github.com/okian/flagboard/internal/adapters/repository"
	"github.com/okian/flagboard/internal/domain/dedupe"
	"github.com/okian/flagboard/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFetcher replaces the REST snapshot source.
func WithFetcher(f Fetcher) Option {
	return func(s *Service) {
		if f != nil {
			s.fetcher = f
		}
	}
}

// WithJudge replaces the flag-submission backend.
func WithJudge(j Judge) Option {
	return func(s *Service) {
		if j != nil {
			s.judge = j
		}
	}
}

// WithStore replaces the projection store.
func WithStore(st repository.Store) Option {
	return func(s *Service) {
		if st != nil {
			s.store = st
		}
	}
}

// WithTransports sets the push channel dialers, tried in order.
func WithTransports(d ...realtime.Dialer) Option {
	return func(s *Service) { s.transports = d }
}

// WithSolvedRegistry replaces the process-wide solved registry.
func WithSolvedRegistry(r dedupe.Deduper) Option {
	return func(s *Service) {
		if r != nil {
			s.solved = r
		}
	}
}

// WithClock sets the service clock used for staleness decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
