package leaderboard

import "errors"

// ErrMalformedPayload is returned by Decode for bytes that are not JSON at all.
var ErrMalformedPayload = errors.New("malformed leaderboard payload")
