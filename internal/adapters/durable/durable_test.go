package durable_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/strata/internal/adapters/durable"
	"github.com/okian/strata/internal/domain/model"
)

func newEvent(subject, object uuid.UUID, et model.EventType, ts time.Time) *model.InteractionEvent {
	e := &model.InteractionEvent{
		SubjectID: subject,
		ObjectID:  object,
		EventType: et,
		Timestamp: ts,
		Context:   map[string]string{model.ContextDevice: model.DeviceTV},
	}
	e.Normalize()
	return e
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, open func() durable.Store) {
	Convey("Given a durable store", t, func() {
		ctx := context.Background()
		s := open()
		defer s.Close()

		subject, video1, video2 := uuid.New(), uuid.New(), uuid.New()
		base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

		Convey("Then it answers pings", func() {
			So(s.Ping(ctx), ShouldBeNil)
		})

		Convey("When nothing was written", func() {
			Convey("Then recent is empty and metrics are zero", func() {
				got, err := s.Recent(ctx, subject, 10)
				So(err, ShouldBeNil)
				So(got, ShouldBeEmpty)

				m, err := s.Metrics(ctx, subject)
				So(err, ShouldBeNil)
				So(m.Empty(), ShouldBeTrue)
				So(m.SubjectID, ShouldEqual, subject)
			})
		})

		Convey("When 3 COMPLETE and 1 SKIP are appended across two objects", func() {
			seq := []struct {
				object uuid.UUID
				et     model.EventType
			}{
				{video1, model.EventComplete},
				{video2, model.EventComplete},
				{video1, model.EventSkip},
				{video1, model.EventComplete},
			}
			for i, step := range seq {
				So(s.Append(ctx, newEvent(subject, step.object, step.et, base.Add(time.Duration(i)*time.Hour))), ShouldBeNil)
			}

			Convey("Then the subject aggregate has a 0.75 completion ratio", func() {
				m, err := s.Metrics(ctx, subject)
				So(err, ShouldBeNil)
				So(m.Count(model.EventComplete), ShouldEqual, 3)
				So(m.Count(model.EventSkip), ShouldEqual, 1)
				So(m.CompletionRatio(), ShouldEqual, 0.75)
				So(m.LastEventAt.Equal(base.Add(3*time.Hour)), ShouldBeTrue)
			})

			Convey("Then pair aggregates are kept per object", func() {
				m1, err := s.PairMetrics(ctx, subject, video1)
				So(err, ShouldBeNil)
				So(m1.Total(), ShouldEqual, 3)
				m2, err := s.PairMetrics(ctx, subject, video2)
				So(err, ShouldBeNil)
				So(m2.Total(), ShouldEqual, 1)
				So(m2.CompletionRatio(), ShouldEqual, 1)
			})

			Convey("Then recent events come newest first", func() {
				got, err := s.Recent(ctx, subject, 2)
				So(err, ShouldBeNil)
				So(got, ShouldHaveLength, 2)
				So(got[0].Timestamp.Equal(base.Add(3*time.Hour)), ShouldBeTrue)
				So(got[1].EventType, ShouldEqual, model.EventSkip)
				So(got[0].Device(), ShouldEqual, model.DeviceTV)
				So(got[0].SessionID, ShouldEqual, model.DeriveSessionID(subject, base))
			})

			Convey("Then a non-positive limit returns everything", func() {
				got, err := s.Recent(ctx, subject, 0)
				So(err, ShouldBeNil)
				So(got, ShouldHaveLength, 4)
			})

			Convey("Then stats count events and subjects", func() {
				st, err := s.Stats(ctx)
				So(err, ShouldBeNil)
				So(st.Events, ShouldBeGreaterThanOrEqualTo, 4)
				So(st.Subjects, ShouldBeGreaterThanOrEqualTo, 1)
			})
		})

		Convey("When watch progress is appended", func() {
			e := newEvent(subject, video1, model.EventWatchProgress, base)
			e.WatchTime = model.Ptr[int64](30)
			e.Duration = model.Ptr[int64](120)
			So(s.Append(ctx, e), ShouldBeNil)
			e2 := newEvent(subject, video1, model.EventLike, base.Add(time.Minute))
			So(s.Append(ctx, e2), ShouldBeNil)

			Convey("Then watch time accumulates and the last completion is kept", func() {
				m, err := s.Metrics(ctx, subject)
				So(err, ShouldBeNil)
				So(m.TotalWatchTime, ShouldEqual, 30)
				So(m.LastCompletion, ShouldEqual, 0.25)
			})

			Convey("Then optional fields round-trip", func() {
				got, err := s.Recent(ctx, subject, 2)
				So(err, ShouldBeNil)
				So(got[1].WatchTime, ShouldNotBeNil)
				So(*got[1].WatchTime, ShouldEqual, 30)
				So(got[0].WatchTime, ShouldBeNil)
			})
		})

		Convey("When an unknown event type is appended", func() {
			err := s.Append(ctx, newEvent(subject, video1, "SHARE", base))

			Convey("Then it is refused", func() {
				So(errors.Is(err, model.ErrUnknownEventType), ShouldBeTrue)
			})
		})

		Convey("When many goroutines append for one subject", func() {
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					for j := 0; j < 10; j++ {
						_ = s.Append(ctx, newEvent(subject, video1, model.EventClick, base.Add(time.Duration(i*10+j)*time.Second)))
					}
				}(i)
			}
			wg.Wait()

			Convey("Then no increment is lost", func() {
				m, err := s.Metrics(ctx, subject)
				So(err, ShouldBeNil)
				So(m.Count(model.EventClick), ShouldEqual, 80)
			})
		})
	})
}

func TestSQLite(t *testing.T) {
	exerciseStore(t, func() durable.Store {
		s, err := durable.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "events.db"))
		So(err, ShouldBeNil)
		return s
	})
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("STRATA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("STRATA_TEST_POSTGRES_DSN not set")
	}
	exerciseStore(t, func() durable.Store {
		s, err := durable.NewPostgres(context.Background(), dsn)
		So(err, ShouldBeNil)
		return s
	})
}

func TestOpen(t *testing.T) {
	Convey("Given driver names", t, func() {
		ctx := context.Background()

		Convey("Then sqlite opens a file database", func() {
			s, err := durable.Open(ctx, durable.DriverSQLite, filepath.Join(t.TempDir(), "x.db"))
			So(err, ShouldBeNil)
			So(s.Close(), ShouldBeNil)
		})

		Convey("Then an in-memory sqlite database works end to end", func() {
			s, err := durable.Open(ctx, durable.DriverSQLite, ":memory:")
			So(err, ShouldBeNil)
			defer s.Close()
			subject := uuid.New()
			So(s.Append(ctx, newEvent(subject, uuid.New(), model.EventLike, time.Now())), ShouldBeNil)
			got, err := s.Recent(ctx, subject, 5)
			So(err, ShouldBeNil)
			So(got, ShouldHaveLength, 1)
		})

		Convey("Then an unknown driver is refused", func() {
			_, err := durable.Open(ctx, "mongo", "x")
			So(errors.Is(err, durable.ErrUnknownDriver), ShouldBeTrue)
		})

		Convey("Then an empty dsn is refused", func() {
			_, err := durable.Open(ctx, durable.DriverSQLite, "")
			So(errors.Is(err, durable.ErrEmptyDSN), ShouldBeTrue)
		})
	})
}
