package api

import "errors"

// Sentinel kinds for API errors.
var (
	ErrBadRequest      = errors.New("bad request")
	ErrNotFound        = errors.New("not found")
	ErrBackpressure    = errors.New("backpressure")
	ErrForbiddenSource = errors.New("source not allowed")
)
