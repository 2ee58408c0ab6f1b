package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLoggerInit(t *testing.T) {
	Convey("Given the global logger", t, func() {
		Convey("When initialized with the default format", func() {
			err := Init()

			Convey("Then Get should return a usable logger", func() {
				So(err, ShouldBeNil)
				So(Get(), ShouldNotBeNil)
				So(Sync(), ShouldBeNil)
			})
		})

		Convey("When initialized with json", func() {
			So(InitWithFormat(FormatJSON), ShouldBeNil)
			So(Named("test"), ShouldNotBeNil)
		})

		Convey("When initialized with a writer", func() {
			var buf bytes.Buffer
			So(InitWithWriter(&buf, FormatText), ShouldBeNil)
			Get().Info(context.Background(), "to the buffer")
			So(buf.String(), ShouldContainSubstring, "to the buffer")
			So(Init(), ShouldBeNil)
		})

		Convey("When initialized with an unknown format", func() {
			err := InitWithFormat("xml")

			Convey("Then it should fail", func() {
				So(err, ShouldNotBeNil)
			})
		})
	})
}

func TestLoggerOutput(t *testing.T) {
	Convey("Given a json logger writing to a buffer", t, func() {
		So(SetLevelString("info"), ShouldBeNil)
		var buf bytes.Buffer
		l := New(&buf, FormatJSON).Named("store")
		ctx := context.Background()

		Convey("When logging with fields", func() {
			l.Info(ctx, "event written",
				String("subject", "u1"),
				Int64("count", 3),
				Bool("degraded", true),
				Duration("took", 5*time.Millisecond),
				Error(errors.New("boom")),
			)

			Convey("Then the record should carry every field", func() {
				var rec map[string]any
				So(json.Unmarshal(buf.Bytes(), &rec), ShouldBeNil)
				So(rec["msg"], ShouldEqual, "event written")
				So(rec["component"], ShouldEqual, "store")
				So(rec["subject"], ShouldEqual, "u1")
				So(rec["degraded"], ShouldEqual, true)
				So(rec["error"], ShouldEqual, "boom")
				So(rec["source"], ShouldContainSubstring, "logger_test.go")
			})
		})

		Convey("When the level filters a record", func() {
			l.Debug(ctx, "hidden")

			Convey("Then nothing is written", func() {
				So(buf.Len(), ShouldEqual, 0)
			})
		})
	})
}

func TestSetLevelString(t *testing.T) {
	Convey("Given level strings", t, func() {
		for _, lvl := range []string{"debug", "INFO", "warn", "warning", "error", ""} {
			So(SetLevelString(lvl), ShouldBeNil)
		}
		err := SetLevelString("verbose")
		So(err, ShouldNotBeNil)
		So(strings.Contains(err.Error(), "verbose"), ShouldBeTrue)
		So(SetLevelString("info"), ShouldBeNil)
	})
}
