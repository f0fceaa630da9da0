package errors

import "errors"

// Remote store errors.
var (
	ErrUnauthorized    = errors.New("invalid or expired token")
	ErrProfileNotFound = errors.New("remote profile not found")
	ErrAPIRequest      = errors.New("API request failed")
	ErrAPIResponse     = errors.New("unexpected API response")
)

// Local errors.
var (
	ErrInstanceActive = errors.New("another editor-sync instance is running")
)
