package ingest

import (
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/okian/strata/internal/domain/identity"
	"github.com/okian/strata/internal/domain/model"
)

// Default column names.
const (
	ColSubject   = "subjectKey"
	ColObject    = "objectKey"
	ColTimestamp = "timestamp"
	ColEventType = "eventType"
	ColDevice    = "device"
	ColSession   = "sessionId"
	ColWatchTime = "watchTime"
	ColDuration  = "duration"
)

// headerAliases are accepted in place of a default column name. They cover
// the MicroLens pairs export (userID, videoID, timestamp).
var headerAliases = map[string][]string{ //nolint:gochecknoglobals // read-only lookup table
	ColSubject:   {"userID", "user_id", "userId"},
	ColObject:    {"videoID", "video_id", "videoId", "itemID", "item_id"},
	ColEventType: {"event_type"},
	ColSession:   {"session_id", "sessionID"},
	ColWatchTime: {"watch_time"},
}

// Columns names the header columns the parser reads. Subject, Object and
// Timestamp are required; the rest are optional and fall back to the
// mapping defaults when absent or empty.
type Columns struct {
	Subject   string
	Object    string
	Timestamp string
	EventType string
	Device    string
	Session   string
	WatchTime string
	Duration  string
}

// DefaultColumns returns the default column names.
func DefaultColumns() Columns {
	return Columns{
		Subject:   ColSubject,
		Object:    ColObject,
		Timestamp: ColTimestamp,
		EventType: ColEventType,
		Device:    ColDevice,
		Session:   ColSession,
		WatchTime: ColWatchTime,
		Duration:  ColDuration,
	}
}

// SessionFunc derives a session id for an event that carries none.
type SessionFunc func(subject uuid.UUID, ts time.Time) string

// Mapping is the policy turning a raw row into an event: which columns to
// read and what to fill in for fields the source does not carry.
type Mapping struct {
	Columns          Columns
	DefaultEventType model.EventType
	DefaultContext   map[string]string
	SubjectTag       string // identity tag; empty hashes the key alone
	ObjectTag        string
	Session          SessionFunc
}

// DefaultMapping treats every row as a mobile CLICK, the shape of the
// MicroLens pairs dataset.
func DefaultMapping() Mapping {
	return Mapping{
		Columns:          DefaultColumns(),
		DefaultEventType: model.EventClick,
		DefaultContext:   map[string]string{model.ContextDevice: model.DeviceMobile},
		SubjectTag:       identity.DefaultSubjectTag,
		ObjectTag:        identity.DefaultObjectTag,
		Session:          model.DeriveSessionID,
	}
}

// withDefaults fills zero fields from DefaultMapping.
func (m Mapping) withDefaults() Mapping {
	d := DefaultMapping()
	c := &m.Columns
	for dst, def := range map[*string]string{
		&c.Subject:   d.Columns.Subject,
		&c.Object:    d.Columns.Object,
		&c.Timestamp: d.Columns.Timestamp,
		&c.EventType: d.Columns.EventType,
		&c.Device:    d.Columns.Device,
		&c.Session:   d.Columns.Session,
		&c.WatchTime: d.Columns.WatchTime,
		&c.Duration:  d.Columns.Duration,
	} {
		if *dst == "" {
			*dst = def
		}
	}
	if m.DefaultEventType == "" {
		m.DefaultEventType = d.DefaultEventType
	}
	if m.DefaultContext == nil {
		m.DefaultContext = d.DefaultContext
	} else {
		m.DefaultContext = maps.Clone(m.DefaultContext)
	}
	if m.Session == nil {
		m.Session = d.Session
	}
	return m
}
