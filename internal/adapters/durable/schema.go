// Package durable implements the system-of-record tier of the event store:
// an append-only event log plus per-subject and per-pair aggregate rows
// maintained in the same transaction as each append.
package durable

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/okian/strata/internal/domain/model"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS interaction_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_id  TEXT    NOT NULL,
	object_id   TEXT    NOT NULL,
	event_type  TEXT    NOT NULL,
	ts          INTEGER NOT NULL,
	session_id  TEXT    NOT NULL,
	context     TEXT,
	watch_time  INTEGER,
	duration    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_interaction_events_subject_ts
	ON interaction_events(subject_id, ts DESC, id DESC);

CREATE TABLE IF NOT EXISTS interaction_metrics (
	subject_id            TEXT    NOT NULL,
	object_id             TEXT    NOT NULL,
	click_count           INTEGER NOT NULL DEFAULT 0,
	watch_progress_count  INTEGER NOT NULL DEFAULT 0,
	like_count            INTEGER NOT NULL DEFAULT 0,
	complete_count        INTEGER NOT NULL DEFAULT 0,
	skip_count            INTEGER NOT NULL DEFAULT 0,
	total_watch_time      INTEGER NOT NULL DEFAULT 0,
	last_completion       REAL    NOT NULL DEFAULT 0,
	last_event_at         INTEGER NOT NULL,
	updated_at            INTEGER NOT NULL,
	PRIMARY KEY (subject_id, object_id)
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS interaction_events (
	id          BIGSERIAL PRIMARY KEY,
	subject_id  UUID        NOT NULL,
	object_id   UUID        NOT NULL,
	event_type  TEXT        NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	session_id  TEXT        NOT NULL,
	context     JSONB,
	watch_time  BIGINT,
	duration    BIGINT
);
CREATE INDEX IF NOT EXISTS idx_interaction_events_subject_ts
	ON interaction_events(subject_id, ts DESC, id DESC);

CREATE TABLE IF NOT EXISTS interaction_metrics (
	subject_id            UUID             NOT NULL,
	object_id             UUID             NOT NULL,
	click_count           BIGINT           NOT NULL DEFAULT 0,
	watch_progress_count  BIGINT           NOT NULL DEFAULT 0,
	like_count            BIGINT           NOT NULL DEFAULT 0,
	complete_count        BIGINT           NOT NULL DEFAULT 0,
	skip_count            BIGINT           NOT NULL DEFAULT 0,
	total_watch_time      BIGINT           NOT NULL DEFAULT 0,
	last_completion       DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_event_at         TIMESTAMPTZ      NOT NULL,
	updated_at            TIMESTAMPTZ      NOT NULL,
	PRIMARY KEY (subject_id, object_id)
);
`

// countColumns maps each event type to its counter column. Column names are
// interpolated into SQL, so they only ever come from this table.
var countColumns = map[model.EventType]string{ //nolint:gochecknoglobals // read-only lookup table
	model.EventClick:         "click_count",
	model.EventWatchProgress: "watch_progress_count",
	model.EventLike:          "like_count",
	model.EventComplete:      "complete_count",
	model.EventSkip:          "skip_count",
}

const metricsColumns = `click_count, watch_progress_count, like_count, complete_count, skip_count,
	total_watch_time, last_completion, last_event_at, updated_at`

// completionOf mirrors AggregateMetrics.Apply: COMPLETE pins the ratio to 1,
// otherwise a known watch fraction replaces it, otherwise nil keeps the
// stored value.
func completionOf(e *model.InteractionEvent) *float64 {
	if e.EventType == model.EventComplete {
		return model.Ptr(1.0)
	}
	if r, ok := e.Completion(); ok {
		return &r
	}
	return nil
}

func watchTimeOf(e *model.InteractionEvent) int64 {
	if e.WatchTime == nil {
		return 0
	}
	return *e.WatchTime
}

func encodeContext(ctx map[string]string) (*string, error) {
	if len(ctx) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	s := string(b)
	return &s, nil
}

func decodeContext(raw *string) (map[string]string, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return out, nil
}

// aggregateRow is the scan target shared by both dialects.
type aggregateRow struct {
	click, watchProgress, like, complete, skip int64
	totalWatchTime                             int64
	lastCompletion                             float64
}

func (r *aggregateRow) dest() []any {
	return []any{&r.click, &r.watchProgress, &r.like, &r.complete, &r.skip, &r.totalWatchTime, &r.lastCompletion}
}

func (r *aggregateRow) into(subject, object uuid.UUID) model.AggregateMetrics {
	m := model.NewAggregate(subject, object)
	for t, n := range map[model.EventType]int64{
		model.EventClick:         r.click,
		model.EventWatchProgress: r.watchProgress,
		model.EventLike:          r.like,
		model.EventComplete:      r.complete,
		model.EventSkip:          r.skip,
	} {
		if n > 0 {
			m.Counts[t] = n
		}
	}
	m.TotalWatchTime = r.totalWatchTime
	m.LastCompletion = r.lastCompletion
	return m
}
