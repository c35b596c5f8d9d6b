package audit_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/okian/mentorsync/internal/domain/audit"
	. "github.com/smartystreets/goconvey/convey"
)

func TestTrail(t *testing.T) {
	Convey("Given a trail for a refresh", t, func() {
		tr := audit.New("refresh")

		Convey("Then it has a unique id", func() {
			So(tr.ID(), ShouldNotBeEmpty)
			So(tr.ID(), ShouldNotEqual, audit.New("refresh").ID())
			So(tr.Operation(), ShouldEqual, "refresh")
		})

		Convey("When entries are appended", func() {
			tr.Info("read alias", "alias", "kampus-001", "count", 3)
			tr.Warn("unknown alias", errors.New("empty read"), "alias", "#9")
			tr.Fail("ledger unavailable", errors.New("timeout"))

			Convey("Then they keep order, levels and fields", func() {
				entries := tr.Entries()
				So(len(entries), ShouldEqual, 3)
				So(entries[0].Seq, ShouldEqual, 0)
				So(entries[0].Fields["alias"], ShouldEqual, "kampus-001")
				So(entries[1].Level, ShouldEqual, audit.LevelWarn)
				So(entries[1].Err, ShouldEqual, "empty read")
				So(tr.Count(audit.LevelError), ShouldEqual, 1)
				So(tr.Summary().Failed, ShouldBeTrue)
			})
		})

		Convey("When many goroutines append", func() {
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					tr.Info(fmt.Sprintf("entry %d", i))
				}(i)
			}
			wg.Wait()

			Convey("Then nothing is lost", func() {
				So(tr.Len(), ShouldEqual, 50)
			})
		})
	})

	Convey("Given a nil trail", t, func() {
		var tr *audit.Trail
		So(func() { tr.Info("ignored") }, ShouldNotPanic)
	})
}

func TestJournal(t *testing.T) {
	Convey("Given a journal retaining two trails", t, func() {
		j := audit.NewJournal(2)
		a, b, c := audit.New("a"), audit.New("b"), audit.New("c")
		j.Keep(a)
		j.Keep(b)
		j.Keep(c)

		Convey("Then the oldest is evicted and order is newest first", func() {
			So(j.Len(), ShouldEqual, 2)
			recent := j.Recent(0)
			So(len(recent), ShouldEqual, 2)
			So(recent[0].Operation, ShouldEqual, "c")
			So(recent[1].Operation, ShouldEqual, "b")
			So(recent[0].Finished.IsZero(), ShouldBeFalse)
		})

		Convey("Then limit truncates", func() {
			So(len(j.Recent(1)), ShouldEqual, 1)
		})
	})
}
