package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smartystreets/goconvey/convey"

	app "github.com/okian/strata/internal/app"
	"github.com/okian/strata/internal/config"
	"github.com/okian/strata/pkg/logger"
	"github.com/okian/strata/pkg/metrics"
)

func init() {
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func testService(t *testing.T) *app.Service {
	t.Helper()
	cfg := config.New()
	cfg.DurableDSN = filepath.Join(t.TempDir(), "strata.db")
	return app.New(app.WithConfig(cfg))
}

func TestMainFunction(t *testing.T) {
	convey.Convey("Given the main application", t, func() {
		convey.Convey("When testing configuration loading", func() {
			_ = os.Setenv("STRATA_ADDR", ":8080")
			_ = os.Setenv("STRATA_INGEST_QUEUE_SIZE", "1000")
			_ = os.Setenv("STRATA_INGEST_WORKERS", "4")
			defer func() {
				_ = os.Unsetenv("STRATA_ADDR")
				_ = os.Unsetenv("STRATA_INGEST_QUEUE_SIZE")
				_ = os.Unsetenv("STRATA_INGEST_WORKERS")
			}()

			convey.Convey("Then configuration should be loadable", func() {
				cfg, err := config.Load(context.Background())
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.IngestQueueSize, convey.ShouldEqual, 1000)
				convey.So(cfg.IngestWorkers, convey.ShouldEqual, 4)
			})
		})

		convey.Convey("When testing metrics initialization", func() {
			convey.Convey("Then metrics manager should be creatable", func() {
				manager := metrics.NewManager(metrics.WithPrometheusRegistry(prometheus.NewRegistry()))
				convey.So(manager, convey.ShouldNotBeNil)
			})
		})
	})
}

func TestMainApplicationComponents(t *testing.T) {
	convey.Convey("Given main application components", t, func() {
		convey.Convey("When testing system metrics updater", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			convey.So(func() {
				startSystemMetricsUpdater(ctx)
			}, convey.ShouldNotPanic)
		})

		convey.Convey("When testing service metrics updater", func() {
			svc := testService(t)
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()

			convey.So(func() {
				startServiceMetricsUpdater(ctx, svc)
			}, convey.ShouldNotPanic)
		})

		convey.Convey("When testing system metrics update", func() {
			convey.So(func() {
				updateSystemMetrics()
			}, convey.ShouldNotPanic)
		})

		convey.Convey("When testing service metrics update", func() {
			svc := testService(t)

			convey.Convey("Then it should not panic before or after start", func() {
				ctx := context.Background()
				convey.So(func() { updateServiceMetrics(ctx, svc) }, convey.ShouldNotPanic)
				convey.So(svc.Start(ctx), convey.ShouldBeNil)
				defer svc.Stop()
				convey.So(func() { updateServiceMetrics(ctx, svc) }, convey.ShouldNotPanic)
			})
		})
	})
}

func TestMainApplicationIntegration(t *testing.T) {
	convey.Convey("Given a started service behind the HTTP routes", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		dir := t.TempDir()
		cfg := config.New()
		cfg.DurableDSN = filepath.Join(t.TempDir(), "strata.db")
		cfg.IngestDir = dir
		svc := app.New(app.WithConfig(cfg))
		convey.So(svc.Start(ctx), convey.ShouldBeNil)
		defer svc.Stop()

		srv := httptest.NewServer(routes(ctx, svc))
		defer srv.Close()

		source := filepath.Join(dir, "pairs.csv")
		body := "userID,videoID,timestamp\nu1,v1,2024-01-01T10:00:00Z\nu1,v2,2024-01-01T10:05:00Z\n"
		convey.So(os.WriteFile(source, []byte(body), 0o600), convey.ShouldBeNil)

		convey.Convey("When checking health", func() {
			resp, err := http.Get(srv.URL + "/healthz")
			convey.So(err, convey.ShouldBeNil)
			defer resp.Body.Close()
			convey.So(resp.StatusCode, convey.ShouldEqual, http.StatusOK)
		})

		convey.Convey("When ingesting synchronously", func() {
			resp, err := http.Post(srv.URL+"/ingest", "application/json",
				strings.NewReader(`{"source":"`+source+`","wait":true}`))
			convey.So(err, convey.ShouldBeNil)
			resp.Body.Close()
			convey.So(resp.StatusCode, convey.ShouldEqual, http.StatusOK)

			events, err := svc.RecentFor(ctx, svc.SubjectID("u1"), 0)
			convey.So(err, convey.ShouldBeNil)
			convey.So(events, convey.ShouldHaveLength, 2)
		})

		convey.Convey("When the source lies outside the ingest directory", func() {
			resp, err := http.Post(srv.URL+"/ingest", "application/json",
				strings.NewReader(`{"source":"../pairs.csv","wait":true}`))
			convey.So(err, convey.ShouldBeNil)
			resp.Body.Close()
			convey.So(resp.StatusCode, convey.ShouldEqual, http.StatusForbidden)
		})

		convey.Convey("When submitting a job", func() {
			resp, err := http.Post(srv.URL+"/ingest", "application/json",
				strings.NewReader(`{"source":"`+source+`"}`))
			convey.So(err, convey.ShouldBeNil)
			resp.Body.Close()
			convey.So(resp.StatusCode, convey.ShouldEqual, http.StatusAccepted)
			convey.So(resp.Header.Get("Location"), convey.ShouldStartWith, "/ingest/")
		})
	})
}

func TestMainApplicationErrorHandling(t *testing.T) {
	convey.Convey("Given main application error handling", t, func() {
		convey.Convey("When testing invalid configuration", func() {
			_ = os.Setenv("STRATA_ADDR", "")
			defer func() { _ = os.Unsetenv("STRATA_ADDR") }()

			convey.Convey("Then configuration loading should fail", func() {
				cfg, err := config.Load(context.Background())
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})
	})
}
