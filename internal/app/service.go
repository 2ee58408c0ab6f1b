// Package service wires configuration, the event store, the ingestion
// pipeline and the job pool into the dependencies required by the HTTP API
// and the CLI.
package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/okian/strata/internal/adapters/cache"
	"github.com/okian/strata/internal/adapters/durable"
	eventqueue "github.com/okian/strata/internal/adapters/mq/queue"
	workerpool "github.com/okian/strata/internal/adapters/mq/worker"
	"github.com/okian/strata/internal/config"
	"github.com/okian/strata/internal/domain/identity"
	"github.com/okian/strata/internal/domain/model"
	"github.com/okian/strata/internal/ingest"
	"github.com/okian/strata/internal/store"
	"github.com/okian/strata/pkg/logger"
	"github.com/okian/strata/pkg/metrics"
)

const stopTimeout = 30 * time.Second

// Service owns the event store and the ingestion machinery.
type Service struct {
	mu sync.RWMutex

	cfg *config.Config

	// Injected tiers; when nil they are built from cfg on Start.
	cache   store.Cache
	durable store.Durable

	// Core components
	gen          identity.Generator
	store        *store.EventStore
	parser       *ingest.Parser
	orchestrator *ingest.Orchestrator
	jobQueue     *eventqueue.InMemoryQueue
	registry     *workerpool.Registry
	pool         *workerpool.Pool

	// State
	started bool
	cancel  context.CancelFunc

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithConfig sets the configuration used on Start.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.cfg = cfg
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCache injects the cache tier instead of building it from config.
func WithCache(c store.Cache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithDurable injects the durable tier instead of opening it from config.
func WithDurable(d store.Durable) Option {
	return func(s *Service) {
		s.durable = d
	}
}

// New constructs a Service. Nothing is opened until Start.
func New(opts ...Option) *Service {
	s := &Service{cfg: config.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens both tiers and starts the job pool.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	s.logger.Info(ctx, "starting strata service...")

	ns, err := identity.ParseNamespace(s.cfg.IdentityNamespace)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	s.gen = identity.New(ns,
		identity.WithSubjectTag(s.cfg.SubjectTag),
		identity.WithObjectTag(s.cfg.ObjectTag),
	)
	mapping, err := mappingFrom(s.cfg)
	if err != nil {
		return err
	}

	// Background loops outlive the Start context; Stop cancels them.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	durableTier := s.durable
	if durableTier == nil {
		d, err := durable.Open(ctx, s.cfg.DurableDriver, s.cfg.DurableDSN)
		if err != nil {
			cancel()
			return fmt.Errorf("%w: %w", ErrStart, err)
		}
		durableTier = d
		s.logger.Info(ctx, "durable tier opened", logger.String("driver", s.cfg.DurableDriver))
	}
	cacheTier := s.cache
	if cacheTier == nil {
		cacheTier = s.openCache(runCtx)
		s.logger.Info(ctx, "cache tier opened", logger.String("driver", s.cfg.CacheDriver))
	}

	s.store = store.New(cacheTier, durableTier,
		store.WithCacheTimeout(s.cfg.CacheTimeout()),
		store.WithDurableTimeout(s.cfg.DurableTimeout()),
		store.WithHealthTimeout(s.cfg.HealthTimeout()),
	)
	s.parser = ingest.NewParser(s.gen, mapping)
	s.orchestrator = ingest.NewOrchestrator(s.parser, s.store,
		ingest.WithProgressEvery(s.cfg.ProgressEvery),
	)

	s.jobQueue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.cfg.IngestQueueSize))
	s.registry = workerpool.NewRegistry(0)
	s.pool = workerpool.NewPool(s.cfg.IngestWorkers, s.jobQueue, workerpool.RunnerFunc(s.runJob), s.registry)
	s.pool.Start(runCtx)

	s.cancel = cancel
	s.started = true
	s.logger.Info(ctx, "strata service started",
		logger.String("durable", s.cfg.DurableDriver),
		logger.String("cache", s.cfg.CacheDriver),
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueSize", s.cfg.IngestQueueSize),
	)
	return nil
}

func (s *Service) openCache(ctx context.Context) store.Cache {
	opts := []cache.Option{
		cache.WithTTL(s.cfg.CacheTTL()),
		cache.WithMaxPerSubject(s.cfg.CacheMaxPerSubject),
	}
	if s.cfg.CacheDriver == config.CacheRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     s.cfg.CacheAddr,
			Password: s.cfg.CachePassword,
			DB:       s.cfg.CacheDB,
		})
		return cache.NewRedis(client, append(opts, cache.WithCompression(s.cfg.CacheCompression))...)
	}
	return cache.NewMemory(ctx, opts...)
}

func mappingFrom(cfg *config.Config) (ingest.Mapping, error) {
	et, err := model.ParseEventType(cfg.DefaultEventType)
	if err != nil {
		return ingest.Mapping{}, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	m := ingest.DefaultMapping()
	m.DefaultEventType = et
	m.DefaultContext = map[string]string{model.ContextDevice: cfg.DefaultDevice}
	m.SubjectTag = cfg.SubjectTag
	m.ObjectTag = cfg.ObjectTag
	return m, nil
}

// Stop drains the job pool and closes both tiers.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	s.logger.Info(ctx, "stopping strata service...")

	if err := s.pool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "job pool did not drain", logger.Error(err))
	}
	s.cancel()
	if err := s.store.Close(); err != nil {
		s.logger.Error(ctx, "error closing store", logger.Error(err))
	}

	s.started = false
	s.logger.Info(ctx, "strata service stopped")
}

func (s *Service) runJob(ctx context.Context, job model.IngestJob) (model.BatchStats, error) {
	metrics.UpdateQueueSize(s.jobQueue.Len())
	return s.orchestrator.Ingest(ctx, job.Source, job.Limit)
}

func (s *Service) running() error {
	if !s.started {
		return ErrNotStarted
	}
	return nil
}

// Ingest runs one ingestion synchronously.
func (s *Service) Ingest(ctx context.Context, source string, limit int) (model.BatchStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return model.BatchStats{}, err
	}
	return s.orchestrator.Ingest(ctx, source, limit)
}

// IngestReader runs one ingestion over an already open CSV stream.
func (s *Service) IngestReader(ctx context.Context, r io.Reader, limit int) (model.BatchStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return model.BatchStats{}, err
	}
	return s.orchestrator.IngestReader(ctx, r, limit)
}

// ResolveSource maps a client-supplied source to a path inside the
// configured ingest directory. Relative sources are joined to it; absolute
// ones must already lie within it.
func (s *Service) ResolveSource(source string) (string, error) {
	if source == "" {
		return "", ErrEmptySource
	}
	base, err := filepath.Abs(s.cfg.IngestDir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSourceScope, err)
	}
	path := source
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	path = filepath.Clean(path)
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrSourceScope, source)
	}
	return path, nil
}

// Submit queues an ingestion job and returns it with its assigned id.
func (s *Service) Submit(ctx context.Context, source string, limit int) (model.IngestJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return model.IngestJob{}, err
	}
	if source == "" {
		return model.IngestJob{}, ErrEmptySource
	}
	job := model.IngestJob{ID: uuid.NewString(), Source: source, Limit: max(limit, 0)}
	s.registry.Add(job)
	if err := s.jobQueue.Enqueue(ctx, job); err != nil {
		s.registry.Remove(job.ID)
		return model.IngestJob{}, fmt.Errorf("%w: %w", ErrSubmit, err)
	}
	metrics.UpdateQueueSize(s.jobQueue.Len())
	s.logger.Info(ctx, "ingestion job queued", logger.String("job", job.ID), logger.String("source", source))
	return job, nil
}

// Job returns the status of a submitted job.
func (s *Service) Job(id string) (model.JobStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.registry == nil {
		return model.JobStatus{}, false
	}
	return s.registry.Get(id)
}

// Jobs returns every tracked job, oldest first.
func (s *Service) Jobs() []model.JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.registry == nil {
		return nil
	}
	return s.registry.List()
}

// SubjectID derives the identifier of a subject natural key.
func (s *Service) SubjectID(key string) uuid.UUID { return s.gen.Subject(key) }

// ObjectID derives the identifier of an object natural key.
func (s *Service) ObjectID(key string) uuid.UUID { return s.gen.Object(key) }

// Write stores one event.
func (s *Service) Write(ctx context.Context, e *model.InteractionEvent) (store.WriteResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return store.WriteResult{}, err
	}
	return s.store.Write(ctx, e)
}

// RecentFor returns the subject's most recent events, newest first.
func (s *Service) RecentFor(ctx context.Context, subject uuid.UUID, limit int) ([]model.InteractionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return nil, err
	}
	return s.store.RecentFor(ctx, subject, limit)
}

// MetricsFor returns the subject-level aggregate.
func (s *Service) MetricsFor(ctx context.Context, subject uuid.UUID) (model.AggregateMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return model.AggregateMetrics{}, err
	}
	return s.store.MetricsFor(ctx, subject)
}

// PairMetricsFor returns the subject/object aggregate.
func (s *Service) PairMetricsFor(ctx context.Context, subject, object uuid.UUID) (model.AggregateMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return model.AggregateMetrics{}, err
	}
	return s.store.PairMetricsFor(ctx, subject, object)
}

// SessionFor returns a session's last-seen state.
func (s *Service) SessionFor(ctx context.Context, sessionID string) (model.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return model.SessionState{}, err
	}
	return s.store.SessionFor(ctx, sessionID)
}

// Health probes both tiers. A stopped service reports both unhealthy.
func (s *Service) Health(ctx context.Context) store.Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.running(); err != nil {
		return store.Health{CacheError: err.Error(), DurableError: err.Error()}
	}
	return s.store.HealthCheck(ctx)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":       s.started,
		"durableDriver": s.cfg.DurableDriver,
		"cacheDriver":   s.cfg.CacheDriver,
		"workerCount":   s.cfg.IngestWorkers,
		"queueSize":     s.cfg.IngestQueueSize,
	}

	if s.started {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DurableTimeout())
		defer cancel()

		queueLen := s.jobQueue.Len()
		stats["queueLength"] = queueLen
		stats["jobs"] = len(s.registry.List())
		if st, err := s.store.Stats(ctx); err == nil {
			stats["events"] = st.Events
			stats["subjects"] = st.Subjects
		} else {
			stats["storeError"] = err.Error()
		}

		metrics.UpdateQueueSize(queueLen)
		metrics.UpdateWorkerCount(s.pool.Size())
	}

	return stats
}
