package model

import (
	"time"

	"github.com/google/uuid"
)

// AggregateMetrics is a derived per-subject (ObjectID == uuid.Nil) or
// per-subject/object aggregate. It is created lazily on the first event for
// its key and never deleted by the store.
type AggregateMetrics struct {
	SubjectID      uuid.UUID           `json:"subject_id"`
	ObjectID       uuid.UUID           `json:"object_id,omitempty"`
	Counts         map[EventType]int64 `json:"counts"`
	TotalWatchTime int64               `json:"total_watch_time"`
	LastCompletion float64             `json:"last_completion"`
	LastEventAt    time.Time           `json:"last_event_at,omitempty"`
	UpdatedAt      time.Time           `json:"updated_at,omitempty"`
}

// NewAggregate returns a zero-valued aggregate for the key.
func NewAggregate(subject, object uuid.UUID) AggregateMetrics {
	return AggregateMetrics{
		SubjectID: subject,
		ObjectID:  object,
		Counts:    make(map[EventType]int64, len(EventTypes)),
	}
}

// Count returns the number of events of type t.
func (m AggregateMetrics) Count(t EventType) int64 {
	return m.Counts[t]
}

// Total returns the number of events aggregated.
func (m AggregateMetrics) Total() int64 {
	var n int64
	for _, c := range m.Counts {
		n += c
	}
	return n
}

// Empty reports whether no event has been aggregated.
func (m AggregateMetrics) Empty() bool { return m.Total() == 0 }

// CompletionRatio returns COMPLETE / (COMPLETE + SKIP), or 0 when neither
// occurred.
func (m AggregateMetrics) CompletionRatio() float64 {
	c, s := m.Counts[EventComplete], m.Counts[EventSkip]
	if c+s == 0 {
		return 0
	}
	return float64(c) / float64(c+s)
}

// Apply folds one event into the aggregate. Backends that keep aggregates
// in memory use it; SQL backends express the same arithmetic as upserts.
func (m *AggregateMetrics) Apply(e *InteractionEvent) {
	if m.Counts == nil {
		m.Counts = make(map[EventType]int64, len(EventTypes))
	}
	m.Counts[e.EventType]++
	if e.WatchTime != nil {
		m.TotalWatchTime += *e.WatchTime
	}
	if r, ok := e.Completion(); ok {
		m.LastCompletion = r
	}
	if e.EventType == EventComplete {
		m.LastCompletion = 1
	}
	if e.Timestamp.After(m.LastEventAt) {
		m.LastEventAt = e.Timestamp
	}
}
