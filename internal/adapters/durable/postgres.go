package durable

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okian/strata/internal/domain/model"
)

// Postgres is the server-backed durable tier.
type Postgres struct {
	pool    *pgxpool.Pool
	upserts map[model.EventType]string
}

// NewPostgres connects a pool to dsn and applies the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, ErrEmptyDSN
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("durable: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("durable: pgxpool: %w", err)
	}
	p := &Postgres{pool: pool, upserts: make(map[model.EventType]string, len(countColumns))}
	for t, col := range countColumns {
		p.upserts[t] = postgresUpsert(col)
	}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func postgresUpsert(col string) string {
	return `INSERT INTO interaction_metrics AS m
	(subject_id, object_id, ` + col + `, total_watch_time, last_completion, last_event_at, updated_at)
VALUES ($1, $2, 1, $3, COALESCE($4::double precision, 0), $5, $6)
ON CONFLICT (subject_id, object_id) DO UPDATE SET
	` + col + ` = m.` + col + ` + 1,
	total_watch_time = m.total_watch_time + EXCLUDED.total_watch_time,
	last_completion = COALESCE($4::double precision, m.last_completion),
	last_event_at = GREATEST(m.last_event_at, EXCLUDED.last_event_at),
	updated_at = EXCLUDED.updated_at`
}

// Migrate applies the schema. It is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("durable: migrate postgres: %w", err)
	}
	return nil
}

// Append stores e and folds it into the subject and pair aggregates in one
// transaction.
func (p *Postgres) Append(ctx context.Context, e *model.InteractionEvent) error {
	upsert, ok := p.upserts[e.EventType]
	if !ok {
		return fmt.Errorf("%w: %q", model.ErrUnknownEventType, e.EventType)
	}
	ctxJSON, err := encodeContext(e.Context)
	if err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("durable: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO interaction_events
	(subject_id, object_id, event_type, ts, session_id, context, watch_time, duration)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`,
		e.SubjectID, e.ObjectID, string(e.EventType), e.Timestamp,
		e.SessionID, ctxJSON, e.WatchTime, e.Duration,
	); err != nil {
		return fmt.Errorf("durable: insert event: %w", err)
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()
	completion := completionOf(e)
	for _, object := range []uuid.UUID{uuid.Nil, e.ObjectID} {
		batch.Queue(upsert, e.SubjectID, object, watchTimeOf(e), completion, e.Timestamp, now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("durable: upsert metrics: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("durable: commit: %w", err)
	}
	return nil
}

// Recent returns up to limit events for subject ordered newest first. A
// non-positive limit returns every event.
func (p *Postgres) Recent(ctx context.Context, subject uuid.UUID, limit int) ([]model.InteractionEvent, error) {
	var lim *int64
	if limit > 0 {
		lim = model.Ptr(int64(limit))
	}
	rows, err := p.pool.Query(ctx, `SELECT subject_id, object_id, event_type, ts, session_id, context::text, watch_time, duration
FROM interaction_events
WHERE subject_id = $1
ORDER BY ts DESC, id DESC
LIMIT $2`, subject, lim)
	if err != nil {
		return nil, fmt.Errorf("durable: recent: %w", err)
	}
	defer rows.Close()

	var out []model.InteractionEvent
	for rows.Next() {
		var (
			e       model.InteractionEvent
			et      string
			ctxJSON *string
		)
		if err := rows.Scan(&e.SubjectID, &e.ObjectID, &et, &e.Timestamp, &e.SessionID, &ctxJSON, &e.WatchTime, &e.Duration); err != nil {
			return nil, fmt.Errorf("durable: scan event: %w", err)
		}
		e.EventType = model.EventType(et)
		e.Timestamp = e.Timestamp.UTC()
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
func (p *Postgres) Metrics(ctx context.Context, subject uuid.UUID) (model.AggregateMetrics, error) {
	return p.aggregate(ctx, subject, uuid.Nil)
}

// PairMetrics returns the subject/object aggregate; zero-valued when absent.
func (p *Postgres) PairMetrics(ctx context.Context, subject, object uuid.UUID) (model.AggregateMetrics, error) {
	return p.aggregate(ctx, subject, object)
}

func (p *Postgres) aggregate(ctx context.Context, subject, object uuid.UUID) (model.AggregateMetrics, error) {
	var (
		row                aggregateRow
		lastEvent, updated time.Time
	)
	dest := append(row.dest(), &lastEvent, &updated)
	err := p.pool.QueryRow(ctx, `SELECT `+metricsColumns+`
FROM interaction_metrics WHERE subject_id = $1 AND object_id = $2`, subject, object).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewAggregate(subject, object), nil
	}
	if err != nil {
		return model.AggregateMetrics{}, fmt.Errorf("durable: metrics: %w", err)
	}
	m := row.into(subject, object)
	m.LastEventAt = lastEvent.UTC()
	m.UpdatedAt = updated.UTC()
	return m, nil
}

// Stats returns table-level counts.
func (p *Postgres) Stats(ctx context.Context) (model.StoreStats, error) {
	var st model.StoreStats
	err := p.pool.QueryRow(ctx, `SELECT
	(SELECT COUNT(*) FROM interaction_events)::bigint,
	(SELECT COUNT(*) FROM interaction_metrics WHERE object_id = $1)::bigint`, uuid.Nil,
	).Scan(&st.Events, &st.Subjects)
	if err != nil {
		return model.StoreStats{}, fmt.Errorf("durable: stats: %w", err)
	}
	return st, nil
}

// Ping runs a trivial query.
func (p *Postgres) Ping(ctx context.Context) error {
	var one int
	return p.pool.QueryRow(ctx, "select 1").Scan(&one)
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
