// Package model contains domain models passed between layers.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes an interaction. It is immutable once an event is
// created.
type EventType string

// Known event types.
const (
	EventClick         EventType = "CLICK"
	EventWatchProgress EventType = "WATCH_PROGRESS"
	EventLike          EventType = "LIKE"
	EventComplete      EventType = "COMPLETE"
	EventSkip          EventType = "SKIP"
)

// EventTypes lists every known event type in a stable order.
var EventTypes = []EventType{EventClick, EventWatchProgress, EventLike, EventComplete, EventSkip} //nolint:gochecknoglobals // read-only enum table

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventClick, EventWatchProgress, EventLike, EventComplete, EventSkip:
		return true
	}
	return false
}

// ParseEventType parses an event type case-insensitively.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}
	return t, nil
}

// Device classes used in event context.
const (
	DeviceMobile  = "MOBILE"
	DeviceDesktop = "DESKTOP"
	DeviceTV      = "TV"
)

// ContextDevice is the context key holding the device class.
const ContextDevice = "device"

// Validation errors.
var (
	ErrUnknownEventType = errors.New("unknown event type")
	ErrMissingSubject   = errors.New("missing subject id")
	ErrMissingObject    = errors.New("missing object id")
	ErrMissingTimestamp = errors.New("missing timestamp")
	ErrNegativeDuration = errors.New("negative watch time or duration")
)

// InteractionEvent is the unit of storage: a subject acting on an object.
// Once accepted by the store an event is never mutated.
type InteractionEvent struct {
	SubjectID uuid.UUID         `json:"subject_id"`
	ObjectID  uuid.UUID         `json:"object_id"`
	EventType EventType         `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	Context   map[string]string `json:"context,omitempty"`
	SessionID string            `json:"session_id"`
	WatchTime *int64            `json:"watch_time,omitempty"` // seconds watched
	Duration  *int64            `json:"duration,omitempty"`   // total length in seconds
}

// Validate checks the invariants every stored event satisfies.
func (e *InteractionEvent) Validate() error {
	switch {
	case e.SubjectID == uuid.Nil:
		return ErrMissingSubject
	case e.ObjectID == uuid.Nil:
		return ErrMissingObject
	case !e.EventType.Valid():
		return fmt.Errorf("%w: %q", ErrUnknownEventType, e.EventType)
	case e.Timestamp.IsZero():
		return ErrMissingTimestamp
	case e.WatchTime != nil && *e.WatchTime < 0, e.Duration != nil && *e.Duration < 0:
		return ErrNegativeDuration
	}
	return nil
}

// Normalize fills derived fields: UTC timestamp and, when absent, the
// session id.
func (e *InteractionEvent) Normalize() {
	e.Timestamp = e.Timestamp.UTC()
	if e.SessionID == "" {
		e.SessionID = DeriveSessionID(e.SubjectID, e.Timestamp)
	}
}

// Clone returns a deep copy so cached or returned events never alias the
// caller's maps and pointers.
func (e *InteractionEvent) Clone() InteractionEvent {
	c := *e
	if e.Context != nil {
		c.Context = make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			c.Context[k] = v
		}
	}
	if e.WatchTime != nil {
		c.WatchTime = Ptr(*e.WatchTime)
	}
	if e.Duration != nil {
		c.Duration = Ptr(*e.Duration)
	}
	return c
}

// Device returns the device class recorded in the event context.
func (e *InteractionEvent) Device() string {
	return e.Context[ContextDevice]
}

// Completion returns watch_time/duration in [0,1] and whether it is known.
func (e *InteractionEvent) Completion() (float64, bool) {
	if e.WatchTime == nil || e.Duration == nil || *e.Duration == 0 {
		return 0, false
	}
	r := float64(*e.WatchTime) / float64(*e.Duration)
	if r > 1 {
		r = 1
	}
	return r, true
}

// DeriveSessionID returns the deterministic session id of a subject for the
// UTC calendar day of ts.
func DeriveSessionID(subject uuid.UUID, ts time.Time) string {
	return "session_" + subject.String() + "_" + ts.UTC().Format(time.DateOnly)
}

// SessionState is the last-seen state of a session kept by the cache tier.
type SessionState struct {
	SessionID  string    `json:"session_id"`
	SubjectID  uuid.UUID `json:"subject_id"`
	LastEvent  EventType `json:"last_event"`
	LastObject uuid.UUID `json:"last_object_id"`
	LastSeenAt time.Time `json:"last_timestamp"`
}

// Found reports whether the state was present.
func (s SessionState) Found() bool { return s.SessionID != "" }

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
