package ingest

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/okian/strata/internal/domain/model"
	"github.com/okian/strata/internal/store"
	"github.com/okian/strata/pkg/logger"
	"github.com/okian/strata/pkg/metrics"
)

const defaultProgressEvery = 100

// Writer is the part of the event store the orchestrator needs.
type Writer interface {
	Write(ctx context.Context, e *model.InteractionEvent) (store.WriteResult, error)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProgressEvery sets how many processed rows separate progress signals.
func WithProgressEvery(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.progressEvery = n
		}
	}
}

// WithProgress receives a stats snapshot at every progress signal. Sends
// never block: a snapshot is dropped when ch is full.
func WithProgress(ch chan<- model.BatchStats) Option {
	return func(o *Orchestrator) {
		o.progress = ch
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// Orchestrator drives one parser into the event store, tallying outcomes.
// A single run is sequential; independent runs may share one Orchestrator.
type Orchestrator struct {
	parser        *Parser
	writer        Writer
	progressEvery int
	progress      chan<- model.BatchStats
	logger        logger.Logger
}

// NewOrchestrator builds an orchestrator.
func NewOrchestrator(p *Parser, w Writer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		parser:        p,
		writer:        w,
		progressEvery: defaultProgressEvery,
		logger:        logger.Get().Named("ingest"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Ingest reads up to limit accepted rows from the file at source into the
// store. Only ErrSourceNotFound and ErrMissingColumn (nothing processed),
// a read error part-way through, or ctx cancellation produce an error; in
// the latter two cases the stats gathered so far are returned alongside it.
func (o *Orchestrator) Ingest(ctx context.Context, source string, limit int) (model.BatchStats, error) {
	s, err := o.parser.Open(source)
	if err != nil {
		o.logger.Error(ctx, "cannot start ingestion", logger.String("source", source), logger.Error(err))
		return model.BatchStats{}, err
	}
	defer s.Close()
	return o.run(ctx, source, s, limit)
}

// IngestReader is Ingest over an already open reader.
func (o *Orchestrator) IngestReader(ctx context.Context, r io.Reader, limit int) (model.BatchStats, error) {
	s, err := o.parser.Parse(r)
	if err != nil {
		o.logger.Error(ctx, "cannot start ingestion", logger.Error(err))
		return model.BatchStats{}, err
	}
	return o.run(ctx, "reader", s, limit)
}

func (o *Orchestrator) run(ctx context.Context, source string, s *Stream, limit int) (model.BatchStats, error) {
	stats := model.BatchStats{Started: time.Now()}
	metrics.AddActiveIngestion(1)
	defer metrics.AddActiveIngestion(-1)

	o.logger.Info(ctx, "ingestion started", logger.String("source", source), logger.Int("limit", limit))

	for out := range s.All(limit) {
		if err := ctx.Err(); err != nil {
			return o.finish(ctx, source, stats, fmt.Errorf("ingest: cancelled: %w", err))
		}
		stats.Processed++
		o.handle(ctx, &stats, out)
		if stats.Processed%int64(o.progressEvery) == 0 {
			o.report(ctx, stats)
		}
	}
	if err := ctx.Err(); err != nil {
		return o.finish(ctx, source, stats, fmt.Errorf("ingest: cancelled: %w", err))
	}
	return o.finish(ctx, source, stats, s.Err())
}

func (o *Orchestrator) handle(ctx context.Context, stats *model.BatchStats, out Outcome) {
	if out.Rejected != nil {
		stats.Failed++
		stats.Rejected++
		metrics.RecordIngestRow("rejected")
		metrics.RecordRejectedRow(string(out.Rejected.Reason))
		o.logger.Warn(ctx, "row rejected",
			logger.Int("line", out.Line),
			logger.String("reason", string(out.Rejected.Reason)),
			logger.Error(out.Rejected.Err),
		)
		return
	}

	res, err := o.writer.Write(ctx, out.Event)
	switch {
	case err != nil:
		stats.Failed++
		metrics.RecordIngestRow("failed")
		o.logger.Warn(ctx, "row not stored",
			logger.Int("line", out.Line),
			logger.Error(err),
		)
	case res.Degraded():
		stats.Succeeded++
		stats.Degraded++
		metrics.RecordIngestRow("degraded")
	default:
		stats.Succeeded++
		metrics.RecordIngestRow("succeeded")
	}
}

func (o *Orchestrator) report(ctx context.Context, stats model.BatchStats) {
	metrics.UpdateBatchProgress(stats.Processed, stats.Succeeded, stats.Failed)
	o.logger.Info(ctx, "ingestion progress",
		logger.Int64("processed", stats.Processed),
		logger.Int64("succeeded", stats.Succeeded),
		logger.Int64("failed", stats.Failed),
	)
	if o.progress == nil {
		return
	}
	select {
	case o.progress <- stats:
	default:
	}
}

func (o *Orchestrator) finish(ctx context.Context, source string, stats model.BatchStats, err error) (model.BatchStats, error) {
	stats.Finished = time.Now()
	result := "completed"
	if err != nil {
		result = "aborted"
	}
	metrics.RecordBatch(result, stats.Elapsed())
	metrics.UpdateBatchProgress(stats.Processed, stats.Succeeded, stats.Failed)

	fields := []logger.Field{
		logger.String("source", source),
		logger.Int64("processed", stats.Processed),
		logger.Int64("succeeded", stats.Succeeded),
		logger.Int64("failed", stats.Failed),
		logger.Int64("degraded", stats.Degraded),
		logger.Duration("elapsed", stats.Elapsed()),
	}
	if err != nil {
		o.logger.Warn(ctx, "ingestion stopped early", append(fields, logger.Error(err))...)
		return stats, err
	}
	o.logger.Info(ctx, "ingestion complete", fields...)
	return stats, nil
}
