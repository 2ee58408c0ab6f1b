package store_test

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/okian/strata/internal/adapters/cache"
	"github.com/okian/strata/internal/domain/model"
)

var errInjected = errors.New("injected failure")

// stall blocks until ctx is done when hang is set, like a backend that
// stopped answering.
func stall(ctx context.Context, hang *atomic.Bool) error {
	if !hang.Load() {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

// flakyCache wraps the in-memory tier and fails every call while down or
// blocks it while hanging.
type flakyCache struct {
	*cache.Memory
	down     atomic.Bool
	hang     atomic.Bool
	replaced atomic.Int64
}

func (c *flakyCache) Push(ctx context.Context, e *model.InteractionEvent) error {
	if err := stall(ctx, &c.hang); err != nil {
		return err
	}
	if c.down.Load() {
		return errInjected
	}
	return c.Memory.Push(ctx, e)
}

func (c *flakyCache) Recent(ctx context.Context, subject uuid.UUID, limit int) ([]model.InteractionEvent, error) {
	if c.down.Load() {
		return nil, errInjected
	}
	return c.Memory.Recent(ctx, subject, limit)
}

func (c *flakyCache) Replace(ctx context.Context, subject uuid.UUID, events []model.InteractionEvent) error {
	if c.down.Load() {
		return errInjected
	}
	c.replaced.Add(1)
	return c.Memory.Replace(ctx, subject, events)
}

func (c *flakyCache) Session(ctx context.Context, id string) (model.SessionState, error) {
	if c.down.Load() {
		return model.SessionState{}, errInjected
	}
	return c.Memory.Session(ctx, id)
}

func (c *flakyCache) Ping(ctx context.Context) error {
	if err := stall(ctx, &c.hang); err != nil {
		return err
	}
	if c.down.Load() {
		return errInjected
	}
	return c.Memory.Ping(ctx)
}

// memDurable is an in-process durable tier folding aggregates with
// AggregateMetrics.Apply.
type memDurable struct {
	mu     sync.Mutex
	events map[uuid.UUID][]model.InteractionEvent
	aggs   map[[2]uuid.UUID]model.AggregateMetrics
	down   atomic.Bool
	hang   atomic.Bool
	reads  atomic.Int64
}

func newMemDurable() *memDurable {
	return &memDurable{
		events: make(map[uuid.UUID][]model.InteractionEvent),
		aggs:   make(map[[2]uuid.UUID]model.AggregateMetrics),
	}
}

func (d *memDurable) Append(ctx context.Context, e *model.InteractionEvent) error {
	if err := stall(ctx, &d.hang); err != nil {
		return err
	}
	if d.down.Load() {
		return errInjected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events[e.SubjectID] = append(d.events[e.SubjectID], e.Clone())
	for _, obj := range []uuid.UUID{uuid.Nil, e.ObjectID} {
		k := [2]uuid.UUID{e.SubjectID, obj}
		a, ok := d.aggs[k]
		if !ok {
			a = model.NewAggregate(e.SubjectID, obj)
		}
		a.Apply(e)
		d.aggs[k] = a
	}
	return nil
}

func (d *memDurable) Recent(_ context.Context, subject uuid.UUID, limit int) ([]model.InteractionEvent, error) {
	if d.down.Load() {
		return nil, errInjected
	}
	d.reads.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	// Latest append first among equal timestamps.
	all := slices.Clone(d.events[subject])
	slices.Reverse(all)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (d *memDurable) Metrics(ctx context.Context, subject uuid.UUID) (model.AggregateMetrics, error) {
	return d.PairMetrics(ctx, subject, uuid.Nil)
}

func (d *memDurable) PairMetrics(_ context.Context, subject, object uuid.UUID) (model.AggregateMetrics, error) {
	if d.down.Load() {
		return model.AggregateMetrics{}, errInjected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.aggs[[2]uuid.UUID{subject, object}]
	if !ok {
		return model.NewAggregate(subject, object), nil
	}
	return a, nil
}

func (d *memDurable) Stats(context.Context) (model.StoreStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var st model.StoreStats
	for _, evs := range d.events {
		st.Events += int64(len(evs))
		st.Subjects++
	}
	return st, nil
}

func (d *memDurable) Ping(ctx context.Context) error {
	if err := stall(ctx, &d.hang); err != nil {
		return err
	}
	if d.down.Load() {
		return errInjected
	}
	return nil
}

func (d *memDurable) Close() error { return nil }
