package store

import (
	"time"

	"github.com/okian/strata/pkg/logger"
)

// Default bounds on backend calls.
const (
	DefaultCacheTimeout   = 250 * time.Millisecond
	DefaultDurableTimeout = 5 * time.Second
	DefaultHealthTimeout  = time.Second
	defaultLockStripes    = 256
)

// Option applies a configuration option to the EventStore.
type Option func(*EventStore)

// WithCacheTimeout bounds every cache tier call.
func WithCacheTimeout(d time.Duration) Option {
	return func(s *EventStore) {
		if d > 0 {
			s.cacheTimeout = d
		}
	}
}

// WithDurableTimeout bounds every durable tier call.
func WithDurableTimeout(d time.Duration) Option {
	return func(s *EventStore) {
		if d > 0 {
			s.durableTimeout = d
		}
	}
}

// WithHealthTimeout bounds each health probe.
func WithHealthTimeout(d time.Duration) Option {
	return func(s *EventStore) {
		if d > 0 {
			s.healthTimeout = d
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(s *EventStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLockStripes sets how many mutexes per-subject writes are striped over.
func WithLockStripes(n int) Option {
	return func(s *EventStore) {
		if n > 0 {
			s.stripes = n
		}
	}
}
