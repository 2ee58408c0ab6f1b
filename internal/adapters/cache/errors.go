package cache

import "errors"

// Sentinel kinds for cache tier errors.
var (
	ErrClosed         = errors.New("cache closed")
	ErrCorruptPayload = errors.New("corrupt cached payload")
)
