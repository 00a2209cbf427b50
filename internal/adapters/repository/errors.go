package repository

import "errors"

// Sentinel kinds for projection store errors.
var (
	ErrInvalidTier      = errors.New("invalid tier")
	ErrPointsRegression = errors.New("non-authoritative snapshot lowers team points")
)
