package config_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/strata/internal/config"
)

func TestConfigLoader(t *testing.T) {
	convey.Convey("Given a config loader", t, func() {
		ctx := context.Background()
		clearConfigEnvVars()

		convey.Convey("When loading config with defaults only", func() {
			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load successfully with defaults", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg, convey.ShouldNotBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
				convey.So(cfg.DurableDriver, convey.ShouldEqual, "sqlite")
				convey.So(cfg.CacheDriver, convey.ShouldEqual, "memory")
				convey.So(cfg.CacheMaxPerSubject, convey.ShouldEqual, 100)
				convey.So(cfg.IngestWorkers, convey.ShouldEqual, 2)
			})
		})

		convey.Convey("When loading config with environment variables", func() {
			_ = os.Setenv("STRATA_ADDR", ":8080")
			_ = os.Setenv("STRATA_CACHE_DRIVER", "redis")
			_ = os.Setenv("STRATA_CACHE_ADDR", "redis:6379")
			_ = os.Setenv("STRATA_CACHE_TTL_SECONDS", "60")
			_ = os.Setenv("STRATA_CACHE_COMPRESSION", "true")
			_ = os.Setenv("STRATA_PROGRESS_EVERY", "500")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should override defaults with env vars", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")
				convey.So(cfg.CacheDriver, convey.ShouldEqual, config.CacheRedis)
				convey.So(cfg.CacheAddr, convey.ShouldEqual, "redis:6379")
				convey.So(cfg.CacheTTL(), convey.ShouldEqual, time.Minute)
				convey.So(cfg.CacheCompression, convey.ShouldBeTrue)
				convey.So(cfg.ProgressEvery, convey.ShouldEqual, 500)
			})
		})

		convey.Convey("When loading config with YAML file", func() {
			yamlContent := `
addr: ":9090"
durable_driver: postgres
durable_dsn: "postgres://strata@localhost/strata"
cache_max_per_subject: 50
identity_namespace: "6ba7b811-9dad-11d1-80b4-00c04fd430c8"
`
			tmpFile := createTempConfigFile(yamlContent)
			defer func() { _ = os.Remove(tmpFile) }()

			_ = os.Setenv("STRATA_CONFIG", tmpFile)
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should load from YAML file", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":9090")
				convey.So(cfg.DurableDriver, convey.ShouldEqual, config.DurablePostgres)
				convey.So(cfg.DurableDSN, convey.ShouldEqual, "postgres://strata@localhost/strata")
				convey.So(cfg.CacheMaxPerSubject, convey.ShouldEqual, 50)
				convey.So(cfg.IdentityNamespace, convey.ShouldEqual, "6ba7b811-9dad-11d1-80b4-00c04fd430c8")
			})
		})

		convey.Convey("When loading config with both file and environment variables", func() {
			yamlContent := `
addr: ":9090"
cache_max_per_subject: 50
ingest_workers: 4
`
			tmpFile := createTempConfigFile(yamlContent)
			defer func() { _ = os.Remove(tmpFile) }()

			_ = os.Setenv("STRATA_CONFIG", tmpFile)
			_ = os.Setenv("STRATA_ADDR", ":8080")
			_ = os.Setenv("STRATA_INGEST_WORKERS", "8")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then environment variables should override file values", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.Addr, convey.ShouldEqual, ":8080")             // env
				convey.So(cfg.CacheMaxPerSubject, convey.ShouldEqual, 50)    // file
				convey.So(cfg.IngestWorkers, convey.ShouldEqual, 8)          // env
				convey.So(cfg.DefaultEventType, convey.ShouldEqual, "CLICK") // default
			})
		})

		convey.Convey("When loading config with invalid YAML file", func() {
			tmpFile := createTempConfigFile(`invalid: yaml: content: [`)
			defer func() { _ = os.Remove(tmpFile) }()

			_ = os.Setenv("STRATA_CONFIG", tmpFile)
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a load error", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When the config file does not exist", func() {
			_ = os.Setenv("STRATA_CONFIG", "/nonexistent/strata.yaml")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return a load error", func() {
				convey.So(errors.Is(err, config.ErrLoadConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})
	})
}

func TestConfigLoaderEdgeCases(t *testing.T) {
	convey.Convey("Given config loader edge cases", t, func() {
		ctx := context.Background()
		clearConfigEnvVars()

		convey.Convey("When the durable driver is unknown", func() {
			_ = os.Setenv("STRATA_DURABLE_DRIVER", "mysql")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then validation fails", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
				convey.So(cfg, convey.ShouldBeNil)
			})
		})

		convey.Convey("When the cache bound is negative", func() {
			_ = os.Setenv("STRATA_CACHE_MAX_PER_SUBJECT", "-10")
			defer clearConfigEnvVars()

			_, err := config.Load(ctx)

			convey.Convey("Then validation fails", func() {
				convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			})
		})

		convey.Convey("When the default event type is lower case", func() {
			_ = os.Setenv("STRATA_DEFAULT_EVENT_TYPE", "like")
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it is accepted", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(cfg.DefaultEventType, convey.ShouldEqual, "like")
			})
		})

		convey.Convey("When loading config with YAML file containing empty values", func() {
			yamlContent := `
addr: ""
ingest_workers: 3
`
			tmpFile := createTempConfigFile(yamlContent)
			defer func() { _ = os.Remove(tmpFile) }()

			_ = os.Setenv("STRATA_CONFIG", tmpFile)
			defer clearConfigEnvVars()

			cfg, err := config.Load(ctx)

			convey.Convey("Then it should return validation error for empty addr", func() {
				convey.So(err, convey.ShouldNotBeNil)
				convey.So(err.Error(), convey.ShouldContainSubstring, "addr must not be empty")
				convey.So(cfg, convey.ShouldBeNil)
			})
		})
	})
}

// Helper functions.

func clearConfigEnvVars() {
	envVars := []string{
		"STRATA_CONFIG",
		"STRATA_ADDR",
		"STRATA_DURABLE_DRIVER",
		"STRATA_CACHE_DRIVER",
		"STRATA_CACHE_ADDR",
		"STRATA_CACHE_TTL_SECONDS",
		"STRATA_CACHE_COMPRESSION",
		"STRATA_CACHE_MAX_PER_SUBJECT",
		"STRATA_PROGRESS_EVERY",
		"STRATA_INGEST_WORKERS",
		"STRATA_DEFAULT_EVENT_TYPE",
	}
	for _, envVar := range envVars {
		_ = os.Unsetenv(envVar)
	}
}

func createTempConfigFile(content string) string {
	tmpFile, err := os.CreateTemp("", "strata-config-*.yaml")
	if err != nil {
		panic(err)
	}

	if _, err := tmpFile.WriteString(content); err != nil {
		panic(err)
	}

	if err := tmpFile.Close(); err != nil {
		panic(err)
	}

	return tmpFile.Name()
}
