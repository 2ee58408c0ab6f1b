// Command ingest loads an interaction CSV into the configured event store
// and prints the batch statistics as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	app "github.com/okian/strata/internal/app"
	"github.com/okian/strata/internal/config"
	"github.com/okian/strata/pkg/logger"
)

// errUsage is returned for bad command lines.
var errUsage = errors.New("usage")

func main() {
	// Stdout carries the stats; logs go to stderr.
	if err := logger.InitWithWriter(os.Stderr, logger.FormatText); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, errUsage) {
			os.Stderr.WriteString("ingest: " + err.Error() + "\n")
		}
		os.Exit(1)
	}
}

// run parses args, ingests the source and writes the stats to out. Stats are
// written even when the run fails part-way.
func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	var (
		source   = fs.String("source", "", "CSV file to ingest (.sz for snappy-framed)")
		limit    = fs.Int("limit", 0, "Stop after this many accepted rows (0 = all)")
		progress = fs.Int("progress", 0, "Progress log cadence in rows (0 = config)")
	)
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *source == "" && fs.NArg() > 0 {
		*source = fs.Arg(0)
	}
	if *source == "" {
		fs.Usage()
		return errUsage
	}

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		_ = logger.SetLevelString("info")
	}
	if *progress > 0 {
		cfg.ProgressEvery = *progress
	}
	// The batch CLI does not serve jobs; one worker keeps the pool idle.
	cfg.IngestWorkers = 1

	svc := app.New(app.WithConfig(cfg), app.WithLogger(logger.Named("ingest")))
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	stats, runErr := svc.Ingest(ctx, *source, *limit)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		return errors.Join(runErr, fmt.Errorf("write stats: %w", err))
	}
	return runErr
}
