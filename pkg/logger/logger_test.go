package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerInit(t *testing.T) {
	Convey("Given the global logger", t, func() {
		So(Init(), ShouldBeNil)
		defer func() { _ = Sync() }()

		Convey("Then Get and Named return usable loggers", func() {
			So(Get(), ShouldNotBeNil)
			named := Named("test")
			So(named, ShouldNotBeNil)
			So(func() { named.Info(context.Background(), "test message", String("k", "v")) }, ShouldNotPanic)
		})

		Convey("Then Sync can be called repeatedly", func() {
			So(func() { _ = Sync(); _ = Sync() }, ShouldNotPanic)
		})
	})
}

func TestSetLevelString(t *testing.T) {
	Convey("Given level strings", t, func() {
		defer SetLevel(zapcore.InfoLevel)

		Convey("Known levels are accepted case-insensitively", func() {
			So(SetLevelString("DEBUG"), ShouldBeNil)
			So(Level(), ShouldEqual, zapcore.DebugLevel)
			So(SetLevelString("warning"), ShouldBeNil)
			So(Level(), ShouldEqual, zapcore.WarnLevel)
			So(SetLevelString(" error "), ShouldBeNil)
			So(Level(), ShouldEqual, zapcore.ErrorLevel)
			So(SetLevelString(""), ShouldBeNil)
			So(Level(), ShouldEqual, zapcore.InfoLevel)
		})

		Convey("Unknown levels are rejected", func() {
			So(SetLevelString("verbose"), ShouldNotBeNil)
		})
	})
}

func TestFieldsReachZap(t *testing.T) {
	Convey("Given a logger wrapping an observed zap core", t, func() {
		core, logs := observer.New(zapcore.DebugLevel)
		l := NewFromZap(zap.New(core)).Named("engine")
		ctx := context.Background()

		l.Warn(ctx, "refresh failed",
			String("mentor", "0xabc"),
			Uint64("sequence", 42),
			Duration("backoff", time.Second),
			Error(errors.New("boom")),
		)

		Convey("Then the entry carries the name and every field", func() {
			So(logs.Len(), ShouldEqual, 1)
			entry := logs.All()[0]
			So(entry.LoggerName, ShouldEqual, "engine")
			So(entry.Message, ShouldEqual, "refresh failed")
			fields := entry.ContextMap()
			So(fields["mentor"], ShouldEqual, "0xabc")
			So(fields["sequence"], ShouldEqual, uint64(42))
			So(fields["error"], ShouldEqual, "boom")
		})
	})

	Convey("Given a nop logger", t, func() {
		So(func() { NewNop().Named("x").Error(context.Background(), "ignored") }, ShouldNotPanic)
	})
}
