package resolver_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/mentorsync/internal/adapters/ledger"
	"github.com/okian/mentorsync/internal/app/resolver"
	"github.com/okian/mentorsync/internal/domain/audit"
	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/identity"
	"github.com/okian/mentorsync/internal/domain/model"
	"github.com/okian/mentorsync/pkg/retry"
	. "github.com/smartystreets/goconvey/convey"
)

func fastRetry(n int) retry.Config {
	return retry.Config{MaxRetries: n, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func submit(t *testing.T, mem *ledger.Memory, req ledger.SubmitRequest) {
	t.Helper()
	p, err := mem.SubmitMilestone(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := p.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestResolveAliasConvergence(t *testing.T) {
	Convey("Given kampus-001 readable by id and by slot 4", t, func() {
		mem := ledger.NewMemory()
		submit(t, mem, ledger.SubmitRequest{StartupID: "kampus-001", Type: "users", Value: 500, Description: "d", ProofRef: "p"})
		mem.BindSlot(4, "kampus-001")

		r := resolver.New(mem, identity.Default(), resolver.WithRetry(fastRetry(2)))
		defer r.Close()

		Convey("When it is resolved", func() {
			res, err := r.Resolve(context.Background(), audit.New("test"), "kampus-001")

			Convey("Then both aliases collapse into one observation", func() {
				So(err, ShouldBeNil)
				So(res.StartupID, ShouldEqual, "kampus-001")
				So(res.Sequence, ShouldEqual, 1)
				So(res.Observations, ShouldHaveLength, 1)
				So(res.Conflicts, ShouldBeEmpty)

				obs := res.Observations[0]
				So(obs.Kind, ShouldEqual, model.ObservedRecord)
				So(obs.StartupID, ShouldEqual, "kampus-001")
				So(obs.Index, ShouldEqual, 0)
				So(obs.Record.Value, ShouldEqual, 500)
				So(obs.Suspect, ShouldBeFalse)
				So(obs.Sequence, ShouldEqual, 1)
			})

			Convey("Then each alias reports its count", func() {
				So(res.Aliases, ShouldHaveLength, 2)
				So(res.Aliases[0].Alias, ShouldEqual, "kampus-001")
				So(res.Aliases[0].Milestones, ShouldEqual, 1)
				So(res.Aliases[1].Alias, ShouldEqual, "#4")
				So(res.Aliases[1].Slot, ShouldBeTrue)
				So(res.Aliases[1].Milestones, ShouldEqual, 1)
			})
		})

		Convey("When a non-canonical spelling is resolved", func() {
			reg := identity.Default()
			So(reg.Register(model.StartupIdentity{CanonicalID: "kampus-001", Aliases: []model.Alias{model.IDAlias("kampus")}}), ShouldBeNil)
			r2 := resolver.New(mem, reg, resolver.WithRetry(fastRetry(2)))
			defer r2.Close()
			res, err := r2.Resolve(context.Background(), nil, "kampus")

			Convey("Then the canonical id is used and the empty spelling is unknown", func() {
				So(err, ShouldBeNil)
				So(res.StartupID, ShouldEqual, "kampus-001")
				So(res.Observations, ShouldHaveLength, 1)
				So(res.Aliases[2].Alias, ShouldEqual, "kampus")
				So(res.Aliases[2].Unknown, ShouldBeTrue)
			})
		})
	})
}

func TestResolveConflict(t *testing.T) {
	Convey("Given s1 and slot 7 disagreeing on the value of milestone 0", t, func() {
		mem := ledger.NewMemory()
		submit(t, mem, ledger.SubmitRequest{StartupID: "s1", Type: "users", Value: 500, Description: "d", ProofRef: "p"})
		mem.SeedSlot(7, model.MilestoneRecord{StartupID: "s1", MilestoneType: "users", Value: 600, Description: "d", ProofHash: "p", Verified: true})

		reg := identity.NewRegistry()
		So(reg.Register(model.StartupIdentity{CanonicalID: "s1", Aliases: []model.Alias{model.SlotAlias(7)}}), ShouldBeNil)
		r := resolver.New(mem, reg, resolver.WithRetry(fastRetry(2)))
		defer r.Close()

		Convey("When s1 is resolved", func() {
			trail := audit.New("test")
			res, err := r.Resolve(context.Background(), trail, "s1")

			Convey("Then the first-registered alias value is kept and flagged", func() {
				So(err, ShouldBeNil)
				So(res.Observations, ShouldHaveLength, 1)
				So(res.Observations[0].Record.Value, ShouldEqual, 500)
				So(res.Observations[0].Suspect, ShouldBeTrue)
				So(res.Observations[0].Record.Verified, ShouldBeTrue)
			})

			Convey("Then the conflict is reported and audited", func() {
				So(res.Conflicts, ShouldHaveLength, 1)
				c := res.Conflicts[0]
				So(c.Field, ShouldEqual, "value")
				So(c.Kept, ShouldEqual, "500")
				So(c.Rejected, ShouldEqual, "600")
				So(c.Sources, ShouldResemble, []string{"s1", "#7"})
				So(errors.Is(c, failure.ErrResolverConflict), ShouldBeTrue)
				So(trail.Count(audit.LevelWarn), ShouldEqual, 1)
			})
		})

		Convey("When the report is requested", func() {
			rep, err := r.Report(context.Background(), nil, "s1")

			Convey("Then it lists both aliases and the conflict", func() {
				So(err, ShouldBeNil)
				So(rep.Merged, ShouldEqual, 1)
				So(rep.Aliases, ShouldHaveLength, 2)
				So(rep.Conflicts, ShouldHaveLength, 1)
				So(rep.Conflicts[0].Index, ShouldEqual, 0)
				So(rep.Error, ShouldBeEmpty)
			})
		})
	})
}

func TestResolveUnknownAndSlotless(t *testing.T) {
	Convey("Given a ledger without slot reads", t, func() {
		mem := ledger.NewMemory(ledger.WithCapability("v1"))
		submit(t, mem, ledger.SubmitRequest{StartupID: "kampus-001", Type: "funding", Value: 1, Description: "x"})
		r := resolver.New(mem, identity.Default(), resolver.WithRetry(fastRetry(2)))
		defer r.Close()

		Convey("When kampus-001 is resolved", func() {
			res, err := r.Resolve(context.Background(), nil, "kampus-001")

			Convey("Then the slot alias is unknown, not an error", func() {
				So(err, ShouldBeNil)
				So(res.Observations, ShouldHaveLength, 1)
				So(res.Aliases[1].Unknown, ShouldBeTrue)
				So(res.Aliases[1].Error, ShouldNotBeEmpty)
			})
		})

		Convey("When a startup with no data is resolved", func() {
			res, err := r.Resolve(context.Background(), nil, "learny-hive-001")

			Convey("Then the result is empty", func() {
				So(err, ShouldBeNil)
				So(res.Observations, ShouldBeEmpty)
				So(res.Aliases[0].Unknown, ShouldBeTrue)
			})
		})
	})
}

func TestResolveTransient(t *testing.T) {
	Convey("Given a ledger that resets connections", t, func() {
		mem := ledger.NewMemory()
		submit(t, mem, ledger.SubmitRequest{StartupID: "kampus-001", Type: "funding", Value: 1, Description: "x"})
		mem.BindSlot(4, "kampus-001")
		r := resolver.New(mem, identity.Default(), resolver.WithRetry(fastRetry(2)))
		defer r.Close()

		Convey("When one failure is followed by success", func() {
			mem.FailNext("getStartupMilestones", errors.New("read tcp: connection reset by peer"))
			res, err := r.Resolve(context.Background(), nil, "kampus-001")

			Convey("Then the read is retried", func() {
				So(err, ShouldBeNil)
				So(res.Aliases[0].Milestones, ShouldEqual, 1)
				So(mem.Calls("getStartupMilestones"), ShouldEqual, 2)
			})
		})

		Convey("When the retry budget is exhausted", func() {
			reset := errors.New("read tcp: connection reset by peer")
			mem.FailNext("getStartupMilestones", reset, reset, reset)
			res, err := r.Resolve(context.Background(), nil, "kampus-001")

			Convey("Then the error is returned with the other alias still merged", func() {
				So(err, ShouldNotBeNil)
				So(failure.IsTransient(err), ShouldBeTrue)
				So(res.Aliases[0].Error, ShouldNotBeEmpty)
				So(res.Observations, ShouldHaveLength, 1)
				So(res.Observations[0].Alias, ShouldResemble, model.SlotAlias(4))
			})
		})

		Convey("When the head cannot be read", func() {
			reset := errors.New("503 service unavailable")
			mem.FailNext("head", reset, reset, reset)
			_, err := r.Resolve(context.Background(), nil, "kampus-001")

			Convey("Then nothing is read", func() {
				So(err, ShouldNotBeNil)
				So(mem.Calls("getStartupMilestones"), ShouldEqual, 0)
			})
		})
	})
}

func TestResolveSingleFlight(t *testing.T) {
	Convey("Given two concurrent resolutions of the same startup", t, func() {
		mem := ledger.NewMemory()
		submit(t, mem, ledger.SubmitRequest{StartupID: "learny-hive-001", Type: "users", Value: 10, Description: "x"})
		r := resolver.New(mem, identity.Default(), resolver.WithRetry(fastRetry(2)))
		defer r.Close()

		release := mem.Block("getStartupMilestones")
		var wg sync.WaitGroup
		results := make([]resolver.Result, 2)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], _ = r.Resolve(context.Background(), nil, "learny-hive-001")
			}()
		}
		for mem.Calls("getStartupMilestones") == 0 {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(100 * time.Millisecond)
		release()
		wg.Wait()

		Convey("Then the ledger is read once and both get the data", func() {
			So(mem.Calls("getStartupMilestones"), ShouldEqual, 1)
			So(results[0].Observations, ShouldHaveLength, 1)
			So(results[1].Observations, ShouldHaveLength, 1)
		})
	})
}

func TestResolveSharedReadOutlivesCancelledCaller(t *testing.T) {
	Convey("Given two resolutions sharing one read and the first caller cancelled", t, func() {
		mem := ledger.NewMemory()
		submit(t, mem, ledger.SubmitRequest{StartupID: "learny-hive-001", Type: "users", Value: 10, Description: "x"})
		r := resolver.New(mem, identity.Default(), resolver.WithRetry(fastRetry(2)), resolver.WithReadTimeout(5*time.Second))
		defer r.Close()

		release := mem.Block("getStartupMilestones")
		defer release()

		ctxA, cancelA := context.WithCancel(context.Background())
		defer cancelA()
		errA := make(chan error, 1)
		go func() {
			_, err := r.Resolve(ctxA, nil, "learny-hive-001")
			errA <- err
		}()
		for mem.Calls("getStartupMilestones") == 0 {
			time.Sleep(time.Millisecond)
		}

		type outcome struct {
			res resolver.Result
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := r.Resolve(context.Background(), nil, "learny-hive-001")
			done <- outcome{res, err}
		}()
		time.Sleep(100 * time.Millisecond)

		cancelA()
		firstErr := <-errA
		release()
		second := <-done

		Convey("Then only the cancelled caller fails", func() {
			So(errors.Is(firstErr, context.Canceled), ShouldBeTrue)
			So(second.err, ShouldBeNil)
			So(second.res.Observations, ShouldHaveLength, 1)
			So(mem.Calls("getStartupMilestones"), ShouldEqual, 1)
		})
	})
}

func TestResolveCancelled(t *testing.T) {
	Convey("Given a cancelled context", t, func() {
		mem := ledger.NewMemory()
		r := resolver.New(mem, identity.Default())
		defer r.Close()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		Convey("Then resolution stops", func() {
			_, err := r.Resolve(ctx, nil, "kampus-001")
			So(err, ShouldNotBeNil)
		})
	})
}
