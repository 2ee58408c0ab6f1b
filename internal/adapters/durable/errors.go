package durable

import "errors"

// Sentinel kinds for durable tier errors.
var (
	ErrUnknownDriver = errors.New("unknown durable driver")
	ErrEmptyDSN      = errors.New("empty durable dsn")
)
