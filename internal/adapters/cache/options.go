package cache

import "time"

type settings struct {
	ttl           time.Duration
	maxPerSubject int
	sweepInterval time.Duration
	now           func() time.Time

	keyPrefix   string
	compression bool
}

// Option configures a cache tier implementation.
type Option func(*settings)

// WithTTL sets how long a subject's list survives without new pushes.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMaxPerSubject bounds the number of events kept per subject.
func WithMaxPerSubject(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxPerSubject = n
		}
	}
}

// WithSweepInterval sets how often the in-memory tier drops expired lists.
func WithSweepInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithClock overrides the time source of the in-memory tier.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithKeyPrefix namespaces every Redis key.
func WithKeyPrefix(prefix string) Option {
	return func(s *settings) {
		s.keyPrefix = prefix
	}
}

// WithCompression snappy-compresses payloads stored in Redis.
func WithCompression(enabled bool) Option {
	return func(s *settings) {
		s.compression = enabled
	}
}
