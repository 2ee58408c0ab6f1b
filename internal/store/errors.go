package store

import "errors"

// Sentinel kinds for event store errors.
var (
	ErrInvalidEvent       = errors.New("invalid event")
	ErrDurableWriteFailed = errors.New("durable write failed")
	ErrDurableReadFailed  = errors.New("durable read failed")
	// ErrCacheDegraded is carried in WriteResult.CacheErr and returned by
	// cache-only reads; Write never returns it.
	ErrCacheDegraded = errors.New("cache degraded")
	// ErrBackendUnavailable is only reported through Health.
	ErrBackendUnavailable = errors.New("backend unavailable")
)
