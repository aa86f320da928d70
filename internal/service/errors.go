package service

import "errors"

// Sentinel errors mapped to HTTP status codes by the delivery layer.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state for requested transition")

	// External collaborators.
	ErrProviderFailure   = errors.New("external provider failure")
	ErrMalformedResponse = errors.New("malformed provider response")

	ErrInvalidInput = errors.New("invalid input")
)
