package durable

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/okian/strata/internal/domain/model"
)

// Store is the method set shared by every durable backend.
type Store interface {
	Append(ctx context.Context, e *model.InteractionEvent) error
	Recent(ctx context.Context, subject uuid.UUID, limit int) ([]model.InteractionEvent, error)
	Metrics(ctx context.Context, subject uuid.UUID) (model.AggregateMetrics, error)
	PairMetrics(ctx context.Context, subject, object uuid.UUID) (model.AggregateMetrics, error)
	Stats(ctx context.Context) (model.StoreStats, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Postgres)(nil)
)

// Open selects a backend by driver name.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite, "sqlite3", "":
		return NewSQLite(ctx, dsn)
	case DriverPostgres, "pgx", "postgresql":
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
