package durable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/okian/strata/internal/domain/model"
)

const (
	sqliteParams    = "_journal_mode=WAL&_busy_timeout=5000"
	sqliteReadConns = 4
)

// SQLite is the embedded durable tier. Writes go through a single connection
// in WAL mode; reads use a separate read-only pool so they never queue
// behind the writer.
type SQLite struct {
	db     *sql.DB // write connection (single writer)
	readDB *sql.DB // read connection pool
	path   string
	mu     sync.Mutex

	upserts map[model.EventType]string
}

// NewSQLite opens (creating if needed) the database at path and applies the
// schema. ":memory:" is accepted for throwaway stores; it shares one
// connection for reads and writes.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, ErrEmptyDSN
	}
	memory := path == ":memory:"

	db, err := sql.Open("sqlite3", sqliteDSN(path, false))
	if err != nil {
		return nil, fmt.Errorf("durable: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, readDB: db, path: path, upserts: make(map[model.EventType]string, len(countColumns))}
	for t, col := range countColumns {
		s.upserts[t] = sqliteUpsert(col)
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if !memory {
		readDB, err := sql.Open("sqlite3", sqliteDSN(path, true))
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("durable: open sqlite read pool: %w", err)
		}
		readDB.SetMaxOpenConns(sqliteReadConns)
		readDB.SetMaxIdleConns(sqliteReadConns)
		readDB.SetConnMaxLifetime(5 * time.Minute)
		s.readDB = readDB
	}
	return s, nil
}

func sqliteDSN(path string, readOnly bool) string {
	if path == ":memory:" {
		return path
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + sqliteParams
	if readOnly {
		dsn += "&mode=ro"
	}
	return dsn
}

func sqliteUpsert(col string) string {
	return `INSERT INTO interaction_metrics
	(subject_id, object_id, ` + col + `, total_watch_time, last_completion, last_event_at, updated_at)
VALUES (?1, ?2, 1, ?3, COALESCE(?4, 0), ?5, ?6)
ON CONFLICT(subject_id, object_id) DO UPDATE SET
	` + col + ` = ` + col + ` + 1,
	total_watch_time = total_watch_time + excluded.total_watch_time,
	last_completion = COALESCE(?4, last_completion),
	last_event_at = MAX(last_event_at, excluded.last_event_at),
	updated_at = excluded.updated_at`
}

// Migrate applies the schema. It is idempotent.
func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("durable: migrate sqlite: %w", err)
	}
	return nil
}

// Append stores e and folds it into the subject and pair aggregates in one
// transaction.
func (s *SQLite) Append(ctx context.Context, e *model.InteractionEvent) error {
	upsert, ok := s.upserts[e.EventType]
	if !ok {
		return fmt.Errorf("%w: %q", model.ErrUnknownEventType, e.EventType)
	}
	ctxJSON, err := encodeContext(e.Context)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("durable: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := e.Timestamp.UnixNano()
	if _, err := tx.ExecContext(ctx, `INSERT INTO interaction_events
	(subject_id, object_id, event_type, ts, session_id, context, watch_time, duration)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SubjectID.String(), e.ObjectID.String(), string(e.EventType), ts,
		e.SessionID, ctxJSON, e.WatchTime, e.Duration,
	); err != nil {
		return fmt.Errorf("durable: insert event: %w", err)
	}

	now := time.Now().UnixNano()
	completion := completionOf(e)
	for _, object := range []uuid.UUID{uuid.Nil, e.ObjectID} {
		if _, err := tx.ExecContext(ctx, upsert,
			e.SubjectID.String(), object.String(), watchTimeOf(e), completion, ts, now,
		); err != nil {
			return fmt.Errorf("durable: upsert metrics: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("durable: commit: %w", err)
	}
	return nil
}

// Recent returns up to limit events for subject ordered newest first. A
// non-positive limit returns every event.
func (s *SQLite) Recent(ctx context.Context, subject uuid.UUID, limit int) ([]model.InteractionEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.readDB.QueryContext(ctx, `SELECT subject_id, object_id, event_type, ts, session_id, context, watch_time, duration
FROM interaction_events
WHERE subject_id = ?
ORDER BY ts DESC, id DESC
LIMIT ?`, subject.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("durable: recent: %w", err)
	}
	defer rows.Close()

	var out []model.InteractionEvent
	for rows.Next() {
		var (
			e       model.InteractionEvent
			et      string
			ts      int64
			ctxJSON *string
		)
		if err := rows.Scan(&e.SubjectID, &e.ObjectID, &et, &ts, &e.SessionID, &ctxJSON, &e.WatchTime, &e.Duration); err != nil {
			return nil, fmt.Errorf("durable: scan event: %w", err)
		}
		e.EventType = model.EventType(et)
		e.Timestamp = time.Unix(0, ts).UTC()
		if e.Context, err = decodeContext(ctxJSON); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("durable: recent rows: %w", err)
	}
	return out, nil
}

// Metrics returns the subject-level aggregate; zero-valued when absent.
func (s *SQLite) Metrics(ctx context.Context, subject uuid.UUID) (model.AggregateMetrics, error) {
	return s.aggregate(ctx, subject, uuid.Nil)
}

// PairMetrics returns the subject/object aggregate; zero-valued when absent.
func (s *SQLite) PairMetrics(ctx context.Context, subject, object uuid.UUID) (model.AggregateMetrics, error) {
	return s.aggregate(ctx, subject, object)
}

func (s *SQLite) aggregate(ctx context.Context, subject, object uuid.UUID) (model.AggregateMetrics, error) {
	var (
		row                aggregateRow
		lastEvent, updated int64
	)
	dest := append(row.dest(), &lastEvent, &updated)
	err := s.readDB.QueryRowContext(ctx, `SELECT `+metricsColumns+`
FROM interaction_metrics WHERE subject_id = ? AND object_id = ?`,
		subject.String(), object.String(),
	).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewAggregate(subject, object), nil
	}
	if err != nil {
		return model.AggregateMetrics{}, fmt.Errorf("durable: metrics: %w", err)
	}
	m := row.into(subject, object)
	m.LastEventAt = time.Unix(0, lastEvent).UTC()
	m.UpdatedAt = time.Unix(0, updated).UTC()
	return m, nil
}

// Stats returns table-level counts.
func (s *SQLite) Stats(ctx context.Context) (model.StoreStats, error) {
	var st model.StoreStats
	err := s.readDB.QueryRowContext(ctx, `SELECT
	(SELECT COUNT(*) FROM interaction_events),
	(SELECT COUNT(*) FROM interaction_metrics WHERE object_id = ?)`, uuid.Nil.String(),
	).Scan(&st.Events, &st.Subjects)
	if err != nil {
		return model.StoreStats{}, fmt.Errorf("durable: stats: %w", err)
	}
	return st, nil
}

// Ping checks both connections.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	return s.readDB.PingContext(ctx)
}

// Close closes the read pool and the writer.
func (s *SQLite) Close() error {
	var errs []error
	if s.readDB != s.db {
		errs = append(errs, s.readDB.Close())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}
