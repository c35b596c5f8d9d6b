package mentor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/mentorsync/internal/adapters/ledger"
	"github.com/okian/mentorsync/internal/app/mentor"
	"github.com/okian/mentorsync/internal/domain/audit"
	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/projection"
	"github.com/okian/mentorsync/internal/domain/types"
	"github.com/okian/mentorsync/pkg/retry"
	. "github.com/smartystreets/goconvey/convey"
)

const (
	mentorA = "0x00000000000000000000000000000000000000aa"
	mentorB = "0x00000000000000000000000000000000000000bb"
)

type recorder struct {
	mu      sync.Mutex
	mentors []string
}

func (r *recorder) Trigger(m string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mentors = append(r.mentors, m)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.mentors...)
}

func newManager(mem *ledger.Memory, proj *projection.Projector, rec *recorder) *mentor.Manager {
	return mentor.New(mem, proj,
		mentor.WithRefresher(rec),
		mentor.WithRetry(retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}),
	)
}

func TestEnsureMentor(t *testing.T) {
	Convey("Given the ledger owner", t, func() {
		ctx := context.Background()
		mem := ledger.NewMemory()
		proj := projection.New()
		m := newManager(mem, proj, &recorder{})

		Convey("When a new mentor is ensured", func() {
			res, err := m.EnsureMentor(ctx, audit.New("test"), mentorA)

			Convey("Then the write is confirmed and projected", func() {
				So(err, ShouldBeNil)
				So(res.Status, ShouldEqual, types.StatusOK)
				So(res.TxHash, ShouldNotBeEmpty)
				So(res.Sequence, ShouldEqual, 1)
				So(proj.Mentors(), ShouldResemble, []string{mentorA})
			})

			Convey("Then ensuring it again is already applied, not an error", func() {
				again, err := m.EnsureMentor(ctx, audit.New("test"), mentorA)
				So(err, ShouldBeNil)
				So(again.Status, ShouldEqual, types.StatusAlreadyApplied)
				So(again.Category, ShouldEqual, "already_done")
			})
		})

		Convey("When the first attempt hits a transient failure", func() {
			mem.FailNext("addMentor", errors.New("read tcp: connection reset by peer"))
			res, err := m.EnsureMentor(ctx, nil, mentorA)

			Convey("Then the write is retried", func() {
				So(err, ShouldBeNil)
				So(res.Status, ShouldEqual, types.StatusOK)
				So(mem.Calls("addMentor"), ShouldEqual, 2)
			})
		})

		Convey("When the address is malformed", func() {
			_, err := m.EnsureMentor(ctx, nil, "abc")

			Convey("Then it is rejected before any write", func() {
				So(failure.KindOf(err), ShouldEqual, failure.KindInvalid)
				So(mem.Calls("addMentor"), ShouldEqual, 0)
			})
		})
	})

	Convey("Given a caller who is not the owner", t, func() {
		mem := ledger.NewMemory()
		m := newManager(mem.As(mentorB), projection.New(), &recorder{})

		Convey("Then ensuring a mentor fails with an authorization error", func() {
			res, err := m.EnsureMentor(context.Background(), nil, mentorA)
			So(err, ShouldNotBeNil)
			So(failure.IsUnauthorized(err), ShouldBeTrue)
			So(res.Category, ShouldEqual, "authorization")
			So(mem.Calls("addMentor"), ShouldEqual, 1)
		})
	})
}

func TestAssign(t *testing.T) {
	Convey("Given two registered mentors", t, func() {
		ctx := context.Background()
		mem := ledger.NewMemory()
		proj := projection.New()
		rec := &recorder{}
		m := newManager(mem, proj, rec)
		_, err := m.EnsureMentor(ctx, nil, mentorA)
		So(err, ShouldBeNil)
		_, err = m.EnsureMentor(ctx, nil, mentorB)
		So(err, ShouldBeNil)

		Convey("When a startup is assigned", func() {
			res, err := m.Assign(ctx, audit.New("test"), "kampus-001", mentorA)

			Convey("Then the assignment carries the receipt sequence", func() {
				So(err, ShouldBeNil)
				So(res.Status, ShouldEqual, types.StatusOK)
				a, ok := proj.Assignment("kampus-001")
				So(ok, ShouldBeTrue)
				So(a.MentorAddress, ShouldEqual, mentorA)
				So(a.AssignedAtSequence, ShouldEqual, res.Sequence)
				So(rec.list(), ShouldResemble, []string{mentorA})
			})

			Convey("Then assigning the same mentor again keeps the first sequence", func() {
				_, err := m.Assign(ctx, nil, "kampus-001", mentorA)
				So(err, ShouldBeNil)
				a, _ := proj.Assignment("kampus-001")
				So(a.AssignedAtSequence, ShouldEqual, res.Sequence)
			})

			Convey("Then reassigning refreshes both mentors", func() {
				again, err := m.Assign(ctx, nil, "kampus-001", mentorB)
				So(err, ShouldBeNil)
				a, _ := proj.Assignment("kampus-001")
				So(a.MentorAddress, ShouldEqual, mentorB)
				So(a.AssignedAtSequence, ShouldEqual, again.Sequence)
				So(rec.list(), ShouldResemble, []string{mentorA, mentorB, mentorA})
			})
		})

		Convey("When the address holds no mentor role", func() {
			_, err := m.Assign(ctx, nil, "kampus-001", "0x00000000000000000000000000000000000000cc")

			Convey("Then the ledger refusal surfaces and nothing is projected", func() {
				So(err, ShouldNotBeNil)
				So(failure.IsUnauthorized(err), ShouldBeTrue)
				_, ok := proj.Assignment("kampus-001")
				So(ok, ShouldBeFalse)
			})
		})

		Convey("When the startup id is empty", func() {
			_, err := m.Assign(ctx, nil, "", mentorA)
			So(failure.KindOf(err), ShouldEqual, failure.KindInvalid)
		})
	})
}
