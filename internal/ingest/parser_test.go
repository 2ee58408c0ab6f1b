package ingest_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/strata/internal/domain/identity"
	"github.com/okian/strata/internal/domain/model"
	"github.com/okian/strata/internal/ingest"
)

func collect(s *ingest.Stream, limit int) (events []*model.InteractionEvent, rejected []*ingest.RejectedRow) {
	for out := range s.All(limit) {
		if out.OK() {
			events = append(events, out.Event)
			continue
		}
		rejected = append(rejected, out.Rejected)
	}
	return events, rejected
}

func TestParser_Rows(t *testing.T) {
	Convey("Given a parser with the default mapping", t, func() {
		gen := identity.New(uuid.Nil)
		p := ingest.NewParser(gen, ingest.DefaultMapping())

		Convey("When parsing well-formed rows", func() {
			s, err := p.Parse(strings.NewReader("subjectKey,objectKey,timestamp\n" +
				"u1,v101,2024-01-01T10:00:00\n" +
				" u2 ,\"v,2\",2024-01-01T12:00:00+02:00\n"))
			So(err, ShouldBeNil)
			events, rejected := collect(s, 0)

			Convey("Then identities, defaults and timestamps are filled in", func() {
				So(rejected, ShouldBeEmpty)
				So(events, ShouldHaveLength, 2)

				e := events[0]
				So(e.SubjectID, ShouldEqual, gen.Derive(identity.DefaultSubjectTag, "u1"))
				So(e.ObjectID, ShouldEqual, gen.Derive(identity.DefaultObjectTag, "v101"))
				So(e.EventType, ShouldEqual, model.EventClick)
				So(e.Device(), ShouldEqual, model.DeviceMobile)
				So(e.Timestamp, ShouldEqual, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
				So(e.SessionID, ShouldEqual, model.DeriveSessionID(e.SubjectID, e.Timestamp))
				So(e.Validate(), ShouldBeNil)
			})

			Convey("Then whitespace is trimmed, quotes honoured and zones converted to UTC", func() {
				e := events[1]
				So(e.SubjectID, ShouldEqual, gen.Derive(identity.DefaultSubjectTag, "u2"))
				So(e.ObjectID, ShouldEqual, gen.Derive(identity.DefaultObjectTag, "v,2"))
				So(e.Timestamp, ShouldEqual, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
			})
		})

		Convey("When timestamps use other ISO-8601 forms", func() {
			want := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
			for _, ts := range []string{
				"2024-01-01T10:00:00+0100",
				"2024-01-01 10:00:00+0100",
				"2024-01-01T09:00:00.000Z",
				"2024-01-01T09:00Z",
				"2024-01-01T10:00+01:00",
				"2024-01-01T10:00+0100",
				"2024-01-01 09:00",
			} {
				s, err := p.Parse(strings.NewReader("subjectKey,objectKey,timestamp
u1,v1," + ts + "
"))
				So(err, ShouldBeNil)
				events, rejected := collect(s, 0)
				So(rejected, ShouldBeEmpty)
				So(events, ShouldHaveLength, 1)
				So(events[0].Timestamp, ShouldEqual, want)
			}
		})

		Convey("When the header uses the MicroLens column names", func() {
			s, err := p.Parse(strings.NewReader("userID,videoID,timestamp\n42,7,2024-03-05 08:09:10.123\n"))
			So(err, ShouldBeNil)
			events, _ := collect(s, 0)

			Convey("Then the aliases are resolved", func() {
				So(events, ShouldHaveLength, 1)
				So(events[0].SubjectID, ShouldEqual, gen.Derive("user", "42"))
				So(events[0].Timestamp.Nanosecond(), ShouldEqual, 123000000)
			})
		})

		Convey("When optional columns are present", func() {
			s, err := p.Parse(strings.NewReader("subjectKey,objectKey,timestamp,eventType,device,sessionId,watchTime,duration\n" +
				"u1,v1,2024-01-01,watch_progress,tv,s-9,30,120\n" +
				"u1,v1,2024-01-01,,,,,\n"))
			So(err, ShouldBeNil)
			events, rejected := collect(s, 0)
			So(rejected, ShouldBeEmpty)

			Convey("Then they override the defaults", func() {
				e := events[0]
				So(e.EventType, ShouldEqual, model.EventWatchProgress)
				So(e.Device(), ShouldEqual, model.DeviceTV)
				So(e.SessionID, ShouldEqual, "s-9")
				So(*e.WatchTime, ShouldEqual, 30)
				So(*e.Duration, ShouldEqual, 120)
			})

			Convey("Then empty optional fields fall back", func() {
				e := events[1]
				So(e.EventType, ShouldEqual, model.EventClick)
				So(e.Device(), ShouldEqual, model.DeviceMobile)
				So(e.WatchTime, ShouldBeNil)
			})
		})

		Convey("When rows are malformed", func() {
			s, err := p.Parse(strings.NewReader("subjectKey,objectKey,timestamp,eventType,watchTime\n" +
				"bad,,not-a-date\n" +
				"u1,v1,not-a-date\n" +
				"u1\n" +
				"u1,v1,2024-01-01T00:00:00,SHARE\n" +
				"u1,v1,2024-01-01T00:00:00,,-5\n" +
				"u1,v1,2024-01-01T00:00:00\n"))
			So(err, ShouldBeNil)
			events, rejected := collect(s, 0)

			Convey("Then each is rejected with its reason and parsing continues", func() {
				So(events, ShouldHaveLength, 1)
				So(rejected, ShouldHaveLength, 5)
				reasons := make([]ingest.RejectReason, 0, len(rejected))
				for _, r := range rejected {
					So(errors.Is(r, ingest.ErrRowRejected), ShouldBeTrue)
					reasons = append(reasons, r.Reason)
				}
				So(reasons, ShouldResemble, []ingest.RejectReason{
					ingest.ReasonEmptyKey,
					ingest.ReasonBadTimestamp,
					ingest.ReasonMissingColumn,
					ingest.ReasonBadEventType,
					ingest.ReasonBadNumber,
				})
				So(rejected[0].Fields, ShouldResemble, []string{"bad", "", "not-a-date"})
				So(rejected[0].Line, ShouldEqual, 2)
			})
		})

		Convey("When a limit is given", func() {
			s, err := p.Parse(strings.NewReader("subjectKey,objectKey,timestamp\n" +
				"u1,,x\n" +
				"u1,v1,2024-01-01\n" +
				"u1,v2,2024-01-02\n" +
				"u1,v3,2024-01-03\n"))
			So(err, ShouldBeNil)

			Convey("Then only accepted rows count toward it", func() {
				events, rejected := collect(s, 1)
				So(events, ShouldHaveLength, 1)
				So(rejected, ShouldHaveLength, 1)

				Convey("And a second pass resumes where the first stopped", func() {
					rest, _ := collect(s, 0)
					So(rest, ShouldHaveLength, 2)
					So(rest[0].ObjectID, ShouldEqual, gen.Derive("video", "v2"))
				})
			})
		})
	})
}

func TestParser_Header(t *testing.T) {
	Convey("Given a parser", t, func() {
		p := ingest.NewParser(identity.New(uuid.Nil), ingest.DefaultMapping())

		Convey("When a required column is missing", func() {
			_, err := p.Parse(strings.NewReader("subjectKey,timestamp\nu1,2024-01-01\n"))
			So(errors.Is(err, ingest.ErrMissingColumn), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "objectKey")
		})

		Convey("When the source is empty", func() {
			_, err := p.Parse(strings.NewReader(""))
			So(errors.Is(err, ingest.ErrMissingColumn), ShouldBeTrue)
		})

		Convey("When column names are remapped", func() {
			m := ingest.DefaultMapping()
			m.Columns.Subject = "who"
			m.Columns.Object = "what"
			m.Columns.Timestamp = "when"
			m.DefaultEventType = model.EventLike
			m.DefaultContext = map[string]string{model.ContextDevice: model.DeviceDesktop}
			p := ingest.NewParser(identity.New(uuid.Nil), m)

			s, err := p.Parse(strings.NewReader("when,what,who\n2024-01-01T00:00:00Z,v1,u1\n"))
			So(err, ShouldBeNil)
			events, _ := collect(s, 0)
			So(events, ShouldHaveLength, 1)
			So(events[0].EventType, ShouldEqual, model.EventLike)
			So(events[0].Device(), ShouldEqual, model.DeviceDesktop)
		})
	})
}

func TestParser_Open(t *testing.T) {
	Convey("Given files on disk", t, func() {
		p := ingest.NewParser(identity.New(uuid.Nil), ingest.DefaultMapping())
		dir := t.TempDir()
		body := "subjectKey,objectKey,timestamp\nu1,v1,2024-01-01\nu2,v2,2024-01-02\n"

		Convey("When the file does not exist", func() {
			_, err := p.Open(filepath.Join(dir, "missing.csv"))
			So(errors.Is(err, ingest.ErrSourceNotFound), ShouldBeTrue)
		})

		Convey("When the file is plain CSV", func() {
			path := filepath.Join(dir, "pairs.csv")
			So(os.WriteFile(path, []byte(body), 0o600), ShouldBeNil)
			s, err := p.Open(path)
			So(err, ShouldBeNil)
			defer s.Close()
			events, _ := collect(s, 0)
			So(events, ShouldHaveLength, 2)
			So(s.Err(), ShouldBeNil)
		})

		Convey("When the file is snappy framed", func() {
			path := filepath.Join(dir, "pairs.csv.sz")
			f, err := os.Create(path)
			So(err, ShouldBeNil)
			w := snappy.NewBufferedWriter(f)
			_, err = w.Write([]byte(body))
			So(err, ShouldBeNil)
			So(w.Close(), ShouldBeNil)
			So(f.Close(), ShouldBeNil)

			s, err := p.Open(path)
			So(err, ShouldBeNil)
			defer s.Close()
			events, _ := collect(s, 0)
			So(events, ShouldHaveLength, 2)
		})
	})
}
