package backend

import "errors"

var (
	// ErrInvalidBaseURL is returned when the backend URL cannot be parsed.
	ErrInvalidBaseURL = errors.New("invalid backend base url")
	// ErrUnexpectedStatus is returned for non-success HTTP responses.
	ErrUnexpectedStatus = errors.New("unexpected backend status")
	// ErrUnauthorized is returned for 401 and 403 responses.
	ErrUnauthorized = errors.New("backend rejected credentials")
	// ErrDecodeResponse is returned when a response body is not the expected JSON.
	ErrDecodeResponse = errors.New("decode backend response")
	// ErrRequest wraps transport-level failures (dial, timeout, reset).
	ErrRequest = errors.New("backend request failed")
)
