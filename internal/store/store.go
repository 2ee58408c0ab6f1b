// Package store implements the event store: a write-aside pair of a bounded,
// expiring cache tier and an authoritative durable tier that also maintains
// aggregate metrics.
//
// Writes go to the durable tier first; only if it accepts the event is the
// cache refreshed, and a cache failure merely degrades the result. Reads of
// recent events prefer the cache and fall back to the durable tier, which
// then repopulates the cache.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"

	"github.com/okian/strata/internal/domain/model"
	"github.com/okian/strata/pkg/logger"
	"github.com/okian/strata/pkg/metrics"
)

// Cache is the hot-path tier. Recent returns events by timestamp, newest
// first, the same order as Durable.Recent; the bound evicts the oldest by
// timestamp.
type Cache interface {
	// Capacity is the per-subject list bound.
	Capacity() int
	Push(ctx context.Context, e *model.InteractionEvent) error
	Recent(ctx context.Context, subject uuid.UUID, limit int) ([]model.InteractionEvent, error)
	Replace(ctx context.Context, subject uuid.UUID, events []model.InteractionEvent) error
	Session(ctx context.Context, sessionID string) (model.SessionState, error)
	Ping(ctx context.Context) error
	Close() error
}

// Durable is the system-of-record tier.
type Durable interface {
	// Append stores the event and updates its aggregates atomically.
	Append(ctx context.Context, e *model.InteractionEvent) error
	Recent(ctx context.Context, subject uuid.UUID, limit int) ([]model.InteractionEvent, error)
	Metrics(ctx context.Context, subject uuid.UUID) (model.AggregateMetrics, error)
	PairMetrics(ctx context.Context, subject, object uuid.UUID) (model.AggregateMetrics, error)
	Stats(ctx context.Context) (model.StoreStats, error)
	Ping(ctx context.Context) error
	Close() error
}

// TierStatus is the outcome of a write against one tier.
type TierStatus string

// Tier outcomes.
const (
	TierOK      TierStatus = "ok"
	TierFailed  TierStatus = "failed"
	TierSkipped TierStatus = "skipped"
)

// WriteResult reports each tier's outcome separately.
type WriteResult struct {
	Durable  TierStatus `json:"durable"`
	Cache    TierStatus `json:"cache"`
	CacheErr error      `json:"-"`
}

// Stored reports whether the durable tier accepted the event.
func (r WriteResult) Stored() bool { return r.Durable == TierOK }

// Degraded reports a stored event whose cache write failed.
func (r WriteResult) Degraded() bool { return r.Stored() && r.Cache == TierFailed }

// Health is the liveness of each backend.
type Health struct {
	CacheHealthy   bool   `json:"cache_healthy"`
	DurableHealthy bool   `json:"durable_healthy"`
	CacheError     string `json:"cache_error,omitempty"`
	DurableError   string `json:"durable_error,omitempty"`
}

// Ready reports whether the system of record is reachable.
func (h Health) Ready() bool { return h.DurableHealthy }

// EventStore owns both tiers. It is safe for concurrent use.
type EventStore struct {
	cache   Cache
	durable Durable

	cacheTimeout   time.Duration
	durableTimeout time.Duration
	healthTimeout  time.Duration

	stripes int
	locks   []sync.Mutex

	logger logger.Logger
}

// New builds an EventStore over the given tiers. The store takes ownership
// of both and closes them in Close.
func New(cache Cache, durable Durable, opts ...Option) *EventStore {
	s := &EventStore{
		cache:          cache,
		durable:        durable,
		cacheTimeout:   DefaultCacheTimeout,
		durableTimeout: DefaultDurableTimeout,
		healthTimeout:  DefaultHealthTimeout,
		stripes:        defaultLockStripes,
		logger:         logger.Get().Named("store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.locks = make([]sync.Mutex, s.stripes)
	return s
}

// lockFor returns the stripe serializing writes for subject so the cache
// list is pushed in the order the durable tier accepted the events.
func (s *EventStore) lockFor(subject uuid.UUID) *sync.Mutex {
	return &s.locks[murmur3.Sum32(subject[:])%uint32(len(s.locks))]
}

// Write validates e, appends it to the durable tier together with its
// aggregate updates and then pushes it to the cache. Only a durable failure
// is returned as an error; a cache failure is reported in the result.
func (s *EventStore) Write(ctx context.Context, e *model.InteractionEvent) (WriteResult, error) {
	ev := e.Clone()
	ev.Normalize()
	if err := ev.Validate(); err != nil {
		metrics.RecordInvalidEvent()
		metrics.RecordStoreWrite("invalid")
		return WriteResult{Durable: TierSkipped, Cache: TierSkipped}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	mu := s.lockFor(ev.SubjectID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.appendDurable(ctx, &ev); err != nil {
		metrics.RecordStoreWrite("failed")
		s.logger.Error(ctx, "durable write failed",
			logger.String("subject", ev.SubjectID.String()),
			logger.String("event_type", string(ev.EventType)),
			logger.Error(err),
		)
		return WriteResult{Durable: TierFailed, Cache: TierSkipped}, fmt.Errorf("%w: %w", ErrDurableWriteFailed, err)
	}

	res := WriteResult{Durable: TierOK, Cache: TierOK}
	if err := s.pushCache(ctx, &ev); err != nil {
		res.Cache = TierFailed
		res.CacheErr = fmt.Errorf("%w: %w", ErrCacheDegraded, err)
		metrics.RecordStoreWrite("degraded")
		s.logger.Warn(ctx, "cache write failed, event stored durably",
			logger.String("subject", ev.SubjectID.String()),
			logger.Error(err),
		)
		return res, nil
	}
	metrics.RecordStoreWrite("ok")
	return res, nil
}

func (s *EventStore) appendDurable(ctx context.Context, e *model.InteractionEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.durableTimeout)
	defer cancel()
	start := time.Now()
	err := s.durable.Append(ctx, e)
	metrics.RecordTierLatency(metrics.TierDurable, "append", time.Since(start))
	if err != nil {
		metrics.RecordTierError(metrics.TierDurable, "append")
	}
	return err
}

func (s *EventStore) pushCache(ctx context.Context, e *model.InteractionEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	defer cancel()
	start := time.Now()
	err := s.cache.Push(ctx, e)
	metrics.RecordTierLatency(metrics.TierCache, "push", time.Since(start))
	if err != nil {
		metrics.RecordTierError(metrics.TierCache, "push")
	}
	return err
}

// RecentFor returns up to limit events for subject, newest first. A
// non-positive limit means the cache bound. The cache serves the read when
// it holds events and limit fits its bound; otherwise the durable tier
// answers and, if the cache is reachable, the cache is repopulated.
func (s *EventStore) RecentFor(ctx context.Context, subject uuid.UUID, limit int) ([]model.InteractionEvent, error) {
	capacity := s.cache.Capacity()
	if limit <= 0 {
		limit = capacity
	}

	cacheUp := true
	if limit <= capacity {
		events, err := s.recentCache(ctx, subject, limit)
		switch {
		case err != nil:
			cacheUp = false
			s.logger.Warn(ctx, "cache read failed, falling back to durable tier",
				logger.String("subject", subject.String()),
				logger.Error(err),
			)
		case len(events) > 0:
			metrics.RecordRecentRead(metrics.TierCache)
			return events, nil
		}
	}

	// Hold the subject's stripe so a concurrent write cannot be overwritten
	// by a stale back-fill.
	mu := s.lockFor(subject)
	mu.Lock()
	defer mu.Unlock()

	events, err := s.recentDurable(ctx, subject, max(limit, capacity))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDurableReadFailed, err)
	}
	metrics.RecordRecentRead(metrics.TierDurable)

	if cacheUp && len(events) > 0 {
		s.backfill(ctx, subject, events[:min(len(events), capacity)])
	}
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *EventStore) recentCache(ctx context.Context, subject uuid.UUID, limit int) ([]model.InteractionEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	defer cancel()
	start := time.Now()
	events, err := s.cache.Recent(ctx, subject, limit)
	metrics.RecordTierLatency(metrics.TierCache, "recent", time.Since(start))
	if err != nil {
		metrics.RecordTierError(metrics.TierCache, "recent")
	}
	return events, err
}

func (s *EventStore) recentDurable(ctx context.Context, subject uuid.UUID, limit int) ([]model.InteractionEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.durableTimeout)
	defer cancel()
	start := time.Now()
	events, err := s.durable.Recent(ctx, subject, limit)
	metrics.RecordTierLatency(metrics.TierDurable, "recent", time.Since(start))
	if err != nil {
		metrics.RecordTierError(metrics.TierDurable, "recent")
		s.logger.Error(ctx, "durable read failed",
			logger.String("subject", subject.String()),
			logger.Error(err),
		)
	}
	return events, err
}

func (s *EventStore) backfill(ctx context.Context, subject uuid.UUID, events []model.InteractionEvent) {
	ctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	defer cancel()
	if err := s.cache.Replace(ctx, subject, events); err != nil {
		metrics.RecordTierError(metrics.TierCache, "replace")
		s.logger.Warn(ctx, "cache back-fill failed",
			logger.String("subject", subject.String()),
			logger.Error(err),
		)
		return
	}
	metrics.RecordCacheBackfill()
}

// MetricsFor returns the subject's aggregate; zero-valued when the subject
// has no events.
func (s *EventStore) MetricsFor(ctx context.Context, subject uuid.UUID) (model.AggregateMetrics, error) {
	return s.aggregate(ctx, "metrics", func(ctx context.Context) (model.AggregateMetrics, error) {
		return s.durable.Metrics(ctx, subject)
	})
}

// PairMetricsFor returns the aggregate of subject's events on object;
// zero-valued when there are none.
func (s *EventStore) PairMetricsFor(ctx context.Context, subject, object uuid.UUID) (model.AggregateMetrics, error) {
	return s.aggregate(ctx, "pair_metrics", func(ctx context.Context) (model.AggregateMetrics, error) {
		return s.durable.PairMetrics(ctx, subject, object)
	})
}

func (s *EventStore) aggregate(ctx context.Context, op string, read func(context.Context) (model.AggregateMetrics, error)) (model.AggregateMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, s.durableTimeout)
	defer cancel()
	start := time.Now()
	m, err := read(ctx)
	metrics.RecordTierLatency(metrics.TierDurable, op, time.Since(start))
	if err != nil {
		metrics.RecordTierError(metrics.TierDurable, op)
		return model.AggregateMetrics{}, fmt.Errorf("%w: %w", ErrDurableReadFailed, err)
	}
	metrics.RecordAggregateRead()
	return m, nil
}

// SessionFor returns the last-seen state of a session from the cache tier.
// An unknown or expired session yields the zero value; a cache failure is
// returned wrapped in ErrCacheDegraded since no other tier holds sessions.
func (s *EventStore) SessionFor(ctx context.Context, sessionID string) (model.SessionState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cacheTimeout)
	defer cancel()
	st, err := s.cache.Session(ctx, sessionID)
	if err != nil {
		metrics.RecordTierError(metrics.TierCache, "session")
		return model.SessionState{}, fmt.Errorf("%w: %w", ErrCacheDegraded, err)
	}
	return st, nil
}

// Stats returns durable tier counts.
func (s *EventStore) Stats(ctx context.Context) (model.StoreStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.durableTimeout)
	defer cancel()
	st, err := s.durable.Stats(ctx)
	if err != nil {
		return model.StoreStats{}, fmt.Errorf("%w: %w", ErrDurableReadFailed, err)
	}
	return st, nil
}

// HealthCheck probes both tiers concurrently, each bounded by the health
// timeout. It never fails; an unreachable tier is reported unhealthy.
func (s *EventStore) HealthCheck(ctx context.Context) Health {
	var (
		h  Health
		g  errgroup.Group
		mu sync.Mutex
	)
	probe := func(tier string, ping func(context.Context) error, set func(ok bool, msg string)) {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, s.healthTimeout)
			defer cancel()
			err := ping(pctx)
			metrics.UpdateBackendHealth(tier, err == nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				set(false, fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, tier, err).Error())
				return nil
			}
			set(true, "")
			return nil
		})
	}
	probe(metrics.TierCache, s.cache.Ping, func(ok bool, msg string) { h.CacheHealthy, h.CacheError = ok, msg })
	probe(metrics.TierDurable, s.durable.Ping, func(ok bool, msg string) { h.DurableHealthy, h.DurableError = ok, msg })
	_ = g.Wait()
	return h
}

// Close closes both tiers.
func (s *EventStore) Close() error {
	return errors.Join(s.cache.Close(), s.durable.Close())
}
