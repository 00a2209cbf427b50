package service

import "errors"

var (
	// ErrNotStarted is returned when background work is requested from a
	// service that is not running.
	ErrNotStarted = errors.New("service not started")
	// ErrUnknownTier is returned for tiers outside the configured set.
	ErrUnknownTier = errors.New("unknown tier")
	// ErrBootstrap is returned when at least one tier failed its initial fetch.
	ErrBootstrap = errors.New("bootstrap incomplete")
)
