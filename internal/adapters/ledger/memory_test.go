package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/mentorsync/internal/adapters/ledger"
	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

const (
	mentor   = "0x00000000000000000000000000000000000000aa"
	stranger = "0x00000000000000000000000000000000000000bb"
)

func mustWait(ctx context.Context, p ledger.Pending, err error) ledger.Receipt {
	So(err, ShouldBeNil)
	r, err := p.Wait(ctx)
	So(err, ShouldBeNil)
	return r
}

func TestMemoryMentors(t *testing.T) {
	ctx := context.Background()

	Convey("Given a fresh in-memory ledger", t, func() {
		l := ledger.NewMemory()

		Convey("The owner adds a mentor once", func() {
			p, err := l.AddMentor(ctx, mentor)
			r := mustWait(ctx, p, err)
			So(r.Sequence, ShouldEqual, 1)
			So(r.Events, ShouldHaveLength, 1)
			So(r.Events[0].Kind, ShouldEqual, model.ObservedMentorAdded)
			So(r.Events[0].Mentor, ShouldEqual, mentor)

			_, err = l.AddMentor(ctx, mentor)
			So(failure.IsAlreadyApplied(err), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "already a mentor")
		})

		Convey("Anyone else is refused", func() {
			_, err := l.As(stranger).AddMentor(ctx, mentor)
			So(failure.IsUnauthorized(err), ShouldBeTrue)
		})

		Convey("A malformed address is invalid", func() {
			_, err := l.AddMentor(ctx, "not-an-address")
			So(errors.Is(err, ledger.ErrInvalidAddress), ShouldBeTrue)
			So(failure.KindOf(err), ShouldEqual, failure.KindInvalid)
		})

		Convey("Assigning a non-mentor is refused", func() {
			_, err := l.AssignMentor(ctx, "s1", stranger)
			So(failure.IsUnauthorized(err), ShouldBeTrue)
		})
	})
}

func TestMemoryMilestones(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	Convey("Given s1 assigned to a mentor with two milestones", t, func() {
		l := ledger.NewMemory(ledger.WithClock(func() time.Time { return now }))
		p, err := l.AddMentor(ctx, mentor)
		mustWait(ctx, p, err)
		p, err = l.AssignMentor(ctx, "s1", mentor)
		mustWait(ctx, p, err)

		p, err = l.SubmitMilestone(ctx, ledger.SubmitRequest{StartupID: "s1", Type: "users", Value: 500, Description: "d", ProofRef: "p"})
		first := mustWait(ctx, p, err)
		p, err = l.SubmitMilestone(ctx, ledger.SubmitRequest{StartupID: "s1", Type: "funding", Value: 7, Description: "e", ProofRef: "q"})
		second := mustWait(ctx, p, err)

		Convey("Then receipts carry the assigned indexes", func() {
			idx, ok := first.SubmittedIndex()
			So(ok, ShouldBeTrue)
			So(idx, ShouldEqual, 0)
			idx, _ = second.SubmittedIndex()
			So(idx, ShouldEqual, 1)
			So(first.Events[0].Topic, ShouldEqual, ledger.TopicOf("s1"))
		})

		Convey("Then reads return the records with the mentor at submission", func() {
			recs, err := l.MilestonesByID(ctx, "s1", 0)
			So(err, ShouldBeNil)
			So(recs, ShouldHaveLength, 2)
			So(recs[0].Value, ShouldEqual, 500)
			So(recs[0].MentorAddress, ShouldEqual, mentor)
			So(recs[0].Timestamp, ShouldEqual, uint64(now.Unix()))
		})

		Convey("Then an unknown id reads as empty", func() {
			recs, err := l.MilestonesByID(ctx, "nobody", 0)
			So(err, ShouldBeNil)
			So(recs, ShouldBeEmpty)
		})

		Convey("The mentor verifies once", func() {
			p, err := l.As(mentor).VerifyMilestone(ctx, "s1", 0)
			r := mustWait(ctx, p, err)
			So(r.Events[0].Kind, ShouldEqual, model.ObservedVerified)
			So(r.Events[0].Mentor, ShouldEqual, mentor)

			_, err = l.As(mentor).VerifyMilestone(ctx, "s1", 0)
			So(failure.IsAlreadyApplied(err), ShouldBeTrue)

			recs, _ := l.MilestonesByID(ctx, "s1", 0)
			So(recs[0].Verified, ShouldBeTrue)
			So(recs[1].Verified, ShouldBeFalse)
		})

		Convey("Another address cannot verify", func() {
			_, err := l.As(stranger).VerifyMilestone(ctx, "s1", 0)
			So(failure.IsUnauthorized(err), ShouldBeTrue)
		})

		Convey("An unknown index is not found", func() {
			_, err := l.As(mentor).VerifyMilestone(ctx, "s1", 5)
			So(failure.KindOf(err), ShouldEqual, failure.KindNotFound)
		})

		Convey("Then events cover every write in order", func() {
			head, err := l.Head(ctx)
			So(err, ShouldBeNil)
			So(head, ShouldEqual, 4)

			batch, err := l.Events(ctx, 1, 0)
			So(err, ShouldBeNil)
			So(batch.To, ShouldEqual, 4)
			So(batch.Events, ShouldHaveLength, 4)
			keys := map[string]bool{}
			for i, e := range batch.Events {
				So(e.Sequence, ShouldEqual, uint64(i+1))
				keys[e.Key] = true
			}
			So(keys, ShouldHaveLength, 4)

			tail, _ := l.Events(ctx, 3, 3)
			So(tail.Events, ShouldHaveLength, 1)
			So(tail.Events[0].Kind, ShouldEqual, model.ObservedSubmitted)
		})
	})
}

func TestMemorySlots(t *testing.T) {
	ctx := context.Background()

	Convey("Given kampus-001 bound to slot 4", t, func() {
		l := ledger.NewMemory()
		l.BindSlot(4, "kampus-001")
		p, err := l.SubmitMilestone(ctx, ledger.SubmitRequest{StartupID: "kampus-001", Type: "users", Value: 1})
		mustWait(ctx, p, err)

		Convey("Then the slot sees the same milestone", func() {
			n, err := l.MilestoneCount(ctx, 4, 0)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			rec, err := l.MilestoneBySlot(ctx, 4, 0, 0)
			So(err, ShouldBeNil)
			So(rec.StartupID, ShouldEqual, "kampus-001")
		})

		Convey("Then an empty slot counts zero and has no milestones", func() {
			n, err := l.MilestoneCount(ctx, 9, 0)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
			_, err = l.MilestoneBySlot(ctx, 9, 0, 0)
			So(failure.KindOf(err), ShouldEqual, failure.KindNotFound)
		})

		Convey("Then seeded legacy records stay separate from the id", func() {
			l.SeedSlot(7, model.MilestoneRecord{StartupID: "s1", Value: 600})
			rec, err := l.MilestoneBySlot(ctx, 7, 0, 0)
			So(err, ShouldBeNil)
			So(rec.Value, ShouldEqual, 600)
			recs, _ := l.MilestonesByID(ctx, "s1", 0)
			So(recs, ShouldBeEmpty)
		})
	})

	Convey("Given a ledger exposing the v1 interface", t, func() {
		l := ledger.NewMemory(ledger.WithCapability("v1"))

		Convey("Then slot reads report an unknown identifier", func() {
			So(l.Capability().Slots, ShouldBeFalse)
			_, err := l.MilestoneCount(ctx, 4, 0)
			So(errors.Is(err, ledger.ErrSlotsUnsupported), ShouldBeTrue)
			So(failure.Absorbed(err), ShouldBeTrue)
		})
	})
}

func TestMemoryFaults(t *testing.T) {
	ctx := context.Background()

	Convey("Given an injected connection failure", t, func() {
		l := ledger.NewMemory()
		l.FailNext("getStartupMilestones", errors.New("dial tcp 10.0.0.1:443: connection refused"))

		Convey("Then the first read is transient and the next succeeds", func() {
			_, err := l.MilestonesByID(ctx, "s1", 0)
			So(failure.IsTransient(err), ShouldBeTrue)
			_, err = l.MilestonesByID(ctx, "s1", 0)
			So(err, ShouldBeNil)
			So(l.Calls("getStartupMilestones"), ShouldEqual, 2)
		})
	})

	Convey("Given a blocked read", t, func() {
		l := ledger.NewMemory()
		release := l.Block("getStartupMilestones")
		defer release()

		Convey("Then cancelling the caller returns the context error", func() {
			cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			_, err := l.MilestonesByID(cctx, "s1", 0)
			So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
			So(failure.IsTransient(err), ShouldBeTrue)
		})

		Convey("Then releasing lets it finish", func() {
			done := make(chan error, 1)
			go func() {
				_, err := l.MilestonesByID(ctx, "s1", 0)
				done <- err
			}()
			release()
			So(<-done, ShouldBeNil)
		})
	})
}
