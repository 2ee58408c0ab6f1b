// Package config defines service configuration structures and loading hooks.
package config

import (
	"fmt"
	"time"

	"github.com/okian/strata/internal/domain/identity"
	"github.com/okian/strata/internal/domain/model"
)

// Backend driver names.
const (
	DurableSQLite   = "sqlite"
	DurablePostgres = "postgres"
	CacheMemory     = "memory"
	CacheRedis      = "redis"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// DurableDriver selects the system of record: sqlite or postgres.
	DurableDriver string `koanf:"durable_driver"`
	// DurableDSN is a file path for sqlite or a connection URL for postgres.
	DurableDSN string `koanf:"durable_dsn"`

	// CacheDriver selects the hot tier: memory or redis.
	CacheDriver   string `koanf:"cache_driver"`
	CacheAddr     string `koanf:"cache_addr"`
	CachePassword string `koanf:"cache_password"`
	CacheDB       int    `koanf:"cache_db"`
	// CacheTTLSeconds is how long a subject's recent list lives without writes.
	CacheTTLSeconds int `koanf:"cache_ttl_seconds"`
	// CacheMaxPerSubject bounds each subject's recent list.
	CacheMaxPerSubject int  `koanf:"cache_max_per_subject"`
	CacheCompression   bool `koanf:"cache_compression"`

	CacheTimeoutMS   int `koanf:"cache_timeout_ms"`
	DurableTimeoutMS int `koanf:"durable_timeout_ms"`
	HealthTimeoutMS  int `koanf:"health_timeout_ms"`

	// IdentityNamespace is the UUID identities are derived under; empty
	// selects identity.DefaultNamespace.
	IdentityNamespace string `koanf:"identity_namespace"`
	SubjectTag        string `koanf:"subject_tag"`
	ObjectTag         string `koanf:"object_tag"`

	// DefaultEventType and DefaultDevice fill rows that do not carry them.
	DefaultEventType string `koanf:"default_event_type"`
	DefaultDevice    string `koanf:"default_device"`

	// ProgressEvery is the ingestion progress cadence in rows.
	ProgressEvery int `koanf:"progress_every"`

	// IngestDir is the directory HTTP ingestion sources must lie in; relative
	// sources resolve against it.
	IngestDir string `koanf:"ingest_dir"`

	// IngestWorkers and IngestQueueSize size the background job pool.
	IngestWorkers   int `koanf:"ingest_workers"`
	IngestQueueSize int `koanf:"ingest_queue_size"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:           "info",
		Addr:               ":9080",
		DurableDriver:      DurableSQLite,
		DurableDSN:         "strata.db",
		CacheDriver:        CacheMemory,
		CacheAddr:          "localhost:6379",
		CacheTTLSeconds:    int((24 * time.Hour).Seconds()),
		CacheMaxPerSubject: 100,
		CacheTimeoutMS:     250,
		DurableTimeoutMS:   5000,
		HealthTimeoutMS:    1000,
		SubjectTag:         identity.DefaultSubjectTag,
		ObjectTag:          identity.DefaultObjectTag,
		DefaultEventType:   string(model.EventClick),
		DefaultDevice:      model.DeviceMobile,
		ProgressEvery:      100,
		IngestDir:          "data",
		IngestWorkers:      2,
		IngestQueueSize:    64,
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.DurableDriver != DurableSQLite && c.DurableDriver != DurablePostgres:
		return fmt.Errorf("%w: durable_driver %q", ErrInvalidConfig, c.DurableDriver)
	case c.DurableDSN == "":
		return fmt.Errorf("%w: durable_dsn must not be empty", ErrInvalidConfig)
	case c.CacheDriver != CacheMemory && c.CacheDriver != CacheRedis:
		return fmt.Errorf("%w: cache_driver %q", ErrInvalidConfig, c.CacheDriver)
	case c.CacheDriver == CacheRedis && c.CacheAddr == "":
		return fmt.Errorf("%w: cache_addr required for redis", ErrInvalidConfig)
	case c.CacheTTLSeconds <= 0:
		return fmt.Errorf("%w: cache_ttl_seconds must be positive", ErrInvalidConfig)
	case c.CacheMaxPerSubject <= 0:
		return fmt.Errorf("%w: cache_max_per_subject must be positive", ErrInvalidConfig)
	case c.CacheTimeoutMS <= 0 || c.DurableTimeoutMS <= 0 || c.HealthTimeoutMS <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	case c.ProgressEvery <= 0:
		return fmt.Errorf("%w: progress_every must be positive", ErrInvalidConfig)
	case c.IngestDir == "":
		return fmt.Errorf("%w: ingest_dir must not be empty", ErrInvalidConfig)
	case c.IngestWorkers <= 0 || c.IngestQueueSize <= 0:
		return fmt.Errorf("%w: ingest pool must be positive", ErrInvalidConfig)
	}
	if _, err := identity.ParseNamespace(c.IdentityNamespace); err != nil {
		return fmt.Errorf("%w: identity_namespace: %w", ErrInvalidConfig, err)
	}
	if _, err := model.ParseEventType(c.DefaultEventType); err != nil {
		return fmt.Errorf("%w: default_event_type: %w", ErrInvalidConfig, err)
	}
	return nil
}

// CacheTTL returns the cache expiry.
func (c *Config) CacheTTL() time.Duration { return time.Duration(c.CacheTTLSeconds) * time.Second }

// CacheTimeout bounds each cache call.
func (c *Config) CacheTimeout() time.Duration { return ms(c.CacheTimeoutMS) }

// DurableTimeout bounds each durable call.
func (c *Config) DurableTimeout() time.Duration { return ms(c.DurableTimeoutMS) }

// HealthTimeout bounds each health probe.
func (c *Config) HealthTimeout() time.Duration { return ms(c.HealthTimeoutMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
