// Package cache implements the hot-path cache tier of the event store: a
// bounded, time-limited, most-recent-first list of events per subject plus
// the last-seen state of each session.
package cache

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/strata/internal/domain/model"
	"github.com/okian/strata/pkg/metrics"
)

const (
	defaultTTL           = 24 * time.Hour
	defaultMaxPerSubject = 100
	defaultSweepInterval = time.Minute
)

type subjectList struct {
	events    []model.InteractionEvent // by timestamp, newest first
	expiresAt time.Time
}

type sessionEntry struct {
	state     model.SessionState
	expiresAt time.Time
}

// Memory is an in-process cache tier. It has the same retention semantics as
// the Redis tier: each push refreshes the subject's TTL and trims the list to
// the configured bound.
type Memory struct {
	mu       sync.RWMutex
	subjects map[uuid.UUID]*subjectList
	sessions map[string]sessionEntry
	closed   bool

	ttl           time.Duration
	maxPerSubject int
	sweepInterval time.Duration
	now           func() time.Time

	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewMemory constructs an in-memory cache tier and starts its expiry sweeper.
func NewMemory(ctx context.Context, opts ...Option) *Memory {
	s := settings{
		ttl:           defaultTTL,
		maxPerSubject: defaultMaxPerSubject,
		sweepInterval: defaultSweepInterval,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&s)
	}
	m := &Memory{
		subjects:      make(map[uuid.UUID]*subjectList),
		sessions:      make(map[string]sessionEntry),
		ttl:           s.ttl,
		maxPerSubject: s.maxPerSubject,
		sweepInterval: s.sweepInterval,
		now:           s.now,
		stopChan:      make(chan struct{}),
	}
	m.startSweeper(ctx)
	return m
}

// startSweeper drops expired lists in the background so memory does not grow
// with subjects that are never read again.
func (m *Memory) startSweeper(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Memory) sweep() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for id, l := range m.subjects {
		if !now.Before(l.expiresAt) {
			delete(m.subjects, id)
			continue
		}
		total += len(l.events)
	}
	for id, s := range m.sessions {
		if !now.Before(s.expiresAt) {
			delete(m.sessions, id)
		}
	}
	metrics.UpdateCacheEntries(total)
}

// Capacity returns the per-subject list bound.
func (m *Memory) Capacity() int { return m.maxPerSubject }

// Push inserts e into its subject's list by timestamp, ahead of events with
// the same timestamp, and records the session state. The oldest events by
// timestamp are dropped past the bound.
func (m *Memory) Push(ctx context.Context, e *model.InteractionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	l, ok := m.subjects[e.SubjectID]
	if !ok || !now.Before(l.expiresAt) {
		l = &subjectList{}
		m.subjects[e.SubjectID] = l
	}
	at := sort.Search(len(l.events), func(i int) bool {
		return !l.events[i].Timestamp.After(e.Timestamp)
	})
	l.events = slices.Insert(l.events, at, e.Clone())
	if len(l.events) > m.maxPerSubject {
		l.events = l.events[:m.maxPerSubject]
	}
	l.expiresAt = now.Add(m.ttl)

	if e.SessionID != "" {
		m.sessions[e.SessionID] = sessionEntry{
			state: model.SessionState{
				SessionID:  e.SessionID,
				SubjectID:  e.SubjectID,
				LastEvent:  e.EventType,
				LastObject: e.ObjectID,
				LastSeenAt: e.Timestamp,
			},
			expiresAt: now.Add(m.ttl),
		}
	}
	return nil
}

// Recent returns up to limit events for subject, newest first. An expired or
// unknown subject yields an empty slice.
func (m *Memory) Recent(ctx context.Context, subject uuid.UUID, limit int) ([]model.InteractionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	l, ok := m.subjects[subject]
	if !ok || !now.Before(l.expiresAt) {
		return nil, nil
	}
	n := len(l.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.InteractionEvent, n)
	for i := 0; i < n; i++ {
		out[i] = l.events[i].Clone()
	}
	return out, nil
}

// Replace overwrites the subject's list with events (newest first), e.g.
// when repopulating from the durable tier.
func (m *Memory) Replace(ctx context.Context, subject uuid.UUID, events []model.InteractionEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if len(events) == 0 {
		delete(m.subjects, subject)
		return nil
	}
	n := len(events)
	if n > m.maxPerSubject {
		n = m.maxPerSubject
	}
	l := &subjectList{events: make([]model.InteractionEvent, n), expiresAt: now.Add(m.ttl)}
	for i := 0; i < n; i++ {
		l.events[i] = events[i].Clone()
	}
	m.subjects[subject] = l
	return nil
}

// Session returns the last-seen state of a session; the zero value when the
// session is unknown or expired.
func (m *Memory) Session(ctx context.Context, sessionID string) (model.SessionState, error) {
	if err := ctx.Err(); err != nil {
		return model.SessionState{}, err
	}
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return model.SessionState{}, ErrClosed
	}
	s, ok := m.sessions[sessionID]
	if !ok || !now.Before(s.expiresAt) {
		return model.SessionState{}, nil
	}
	return s.state, nil
}

// Ping reports whether the cache accepts calls.
func (m *Memory) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the sweeper. Subsequent calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
	return nil
}
