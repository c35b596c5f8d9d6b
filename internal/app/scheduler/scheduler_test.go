package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/mentorsync/internal/app/scheduler"
	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/types"
	"github.com/okian/mentorsync/pkg/retry"
	. "github.com/smartystreets/goconvey/convey"
)

const mentor = "0x00000000000000000000000000000000000000aa"

// gatedCycle counts runs and holds each run until released.
type gatedCycle struct {
	runs     atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	gate     chan struct{}
	started  chan struct{}
	fail     atomic.Int32
}

func newGatedCycle() *gatedCycle {
	return &gatedCycle{gate: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (g *gatedCycle) run(ctx context.Context, _ string) (uint64, error) {
	n := g.runs.Add(1)
	cur := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		prev := g.maxSeen.Load()
		if cur <= prev || g.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	g.started <- struct{}{}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if g.fail.Load() > 0 {
		g.fail.Add(-1)
		return 0, failure.New(failure.KindTransient, "test", "rpc unavailable")
	}
	return uint64(n) * 10, nil
}

func fastBackoff() retry.Config {
	return retry.Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}
}

type markerStore struct {
	mu      sync.Mutex
	markers map[string]types.SyncMarker
}

func (m *markerStore) SaveMarker(_ context.Context, mk types.SyncMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markers[mk.Mentor] = mk
	return nil
}

func (m *markerStore) LoadMarkers(context.Context) ([]types.SyncMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.SyncMarker, 0, len(m.markers))
	for _, mk := range m.markers {
		out = append(out, mk)
	}
	return out, nil
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

func TestRefresh(t *testing.T) {
	Convey("Given a scheduler over an instant cycle", t, func() {
		store := &markerStore{markers: map[string]types.SyncMarker{}}
		s := scheduler.New(func(context.Context, string) (uint64, error) { return 42, nil },
			scheduler.WithMarkerStore(store))
		So(s.Start(context.Background()), ShouldBeNil)
		defer s.Stop(context.Background())

		Convey("When a mentor is refreshed", func() {
			marker, err := s.Refresh(context.Background(), "0x00000000000000000000000000000000000000AA")

			Convey("Then the marker carries the synced sequence", func() {
				So(err, ShouldBeNil)
				So(marker.Mentor, ShouldEqual, mentor)
				So(marker.Sequence, ShouldEqual, 42)
				So(marker.Stale, ShouldBeFalse)
				So(marker.SyncedAt.IsZero(), ShouldBeFalse)
				So(s.State(mentor), ShouldEqual, scheduler.StateIdle)
			})

			Convey("Then the marker is persisted", func() {
				So(waitFor(func() bool {
					store.mu.Lock()
					defer store.mu.Unlock()
					return store.markers[mentor].Sequence == 42
				}), ShouldBeTrue)
			})
		})

		Convey("When the address is empty", func() {
			_, err := s.Refresh(context.Background(), "")
			So(failure.KindOf(err), ShouldEqual, failure.KindInvalid)
		})

		Convey("When the address is not hex", func() {
			_, err := s.Refresh(context.Background(), "abc")
			s.Trigger("not-an-address")
			time.Sleep(20 * time.Millisecond)

			Convey("Then it is refused and no cycle runs", func() {
				So(failure.KindOf(err), ShouldEqual, failure.KindInvalid)
				store.mu.Lock()
				defer store.mu.Unlock()
				So(store.markers, ShouldBeEmpty)
			})
		})
	})
}

func TestSingleFlight(t *testing.T) {
	Convey("Given a cycle in flight", t, func() {
		g := newGatedCycle()
		s := scheduler.New(g.run)
		So(s.Start(context.Background()), ShouldBeNil)
		defer s.Stop(context.Background())

		first := make(chan error, 1)
		go func() {
			_, err := s.Refresh(context.Background(), mentor)
			first <- err
		}()
		<-g.started
		So(s.State(mentor), ShouldEqual, scheduler.StateRefreshing)

		Convey("When more triggers arrive", func() {
			second := make(chan types.SyncMarker, 1)
			go func() {
				m, _ := s.Refresh(context.Background(), mentor)
				second <- m
			}()
			s.Trigger(mentor)
			s.Trigger(mentor)
			time.Sleep(20 * time.Millisecond)
			close(g.gate)

			Convey("Then they coalesce into one re-run", func() {
				So(<-first, ShouldBeNil)
				m := <-second
				So(m.Sequence, ShouldEqual, 20)
				So(waitFor(func() bool { return s.State(mentor) == scheduler.StateIdle }), ShouldBeTrue)
				So(g.runs.Load(), ShouldEqual, 2)
				So(g.maxSeen.Load(), ShouldEqual, 1)
			})
		})
	})
}

func TestBackoff(t *testing.T) {
	Convey("Given a cycle that fails once", t, func() {
		g := newGatedCycle()
		close(g.gate)
		g.fail.Store(1)
		s := scheduler.New(g.run, scheduler.WithBackoff(fastBackoff()))
		So(s.Start(context.Background()), ShouldBeNil)
		defer s.Stop(context.Background())

		Convey("When the mentor is refreshed", func() {
			marker, err := s.Refresh(context.Background(), mentor)

			Convey("Then the marker turns stale and the mentor backs off", func() {
				So(failure.IsTransient(err), ShouldBeTrue)
				So(marker.Stale, ShouldBeTrue)
				So(marker.LastError, ShouldContainSubstring, "rpc unavailable")
				So(marker.State, ShouldEqual, string(scheduler.StateBackoff))
			})

			Convey("Then a refresh during backoff runs once the backoff ends", func() {
				next, err := s.Refresh(context.Background(), mentor)
				So(err, ShouldBeNil)
				So(next.Stale, ShouldBeFalse)
				So(next.LastError, ShouldBeEmpty)
				So(next.Sequence, ShouldEqual, 20)
			})

			Convey("Then the backoff alone returns the mentor to idle", func() {
				So(waitFor(func() bool { return s.State(mentor) == scheduler.StateIdle }), ShouldBeTrue)
				So(s.Marker(mentor).Stale, ShouldBeTrue)
			})
		})
	})
}

func TestCancel(t *testing.T) {
	Convey("Given a cycle in flight", t, func() {
		g := newGatedCycle()
		s := scheduler.New(g.run)
		So(s.Start(context.Background()), ShouldBeNil)
		defer s.Stop(context.Background())

		done := make(chan error, 1)
		go func() {
			_, err := s.Refresh(context.Background(), mentor)
			done <- err
		}()
		<-g.started

		Convey("When it is cancelled", func() {
			So(s.Cancel(mentor), ShouldBeTrue)

			Convey("Then the waiter sees the cancellation and no backoff follows", func() {
				So(errors.Is(<-done, context.Canceled), ShouldBeTrue)
				So(waitFor(func() bool { return s.State(mentor) == scheduler.StateIdle }), ShouldBeTrue)
				So(s.Marker(mentor).Stale, ShouldBeFalse)
			})
		})

		Convey("Cancelling an unknown mentor is a no-op", func() {
			So(s.Cancel("0x00000000000000000000000000000000000000ff"), ShouldBeFalse)
			close(g.gate)
			So(<-done, ShouldBeNil)
		})
	})
}

func TestStop(t *testing.T) {
	Convey("Given a stopped scheduler", t, func() {
		s := scheduler.New(func(context.Context, string) (uint64, error) { return 1, nil })
		So(s.Start(context.Background()), ShouldBeNil)
		So(s.Stop(context.Background()), ShouldBeNil)

		Convey("Then refreshes fail fast", func() {
			_, err := s.Refresh(context.Background(), mentor)
			So(err, ShouldEqual, scheduler.ErrStopped)
		})
	})
}

func TestPeriodic(t *testing.T) {
	Convey("Given a periodic spec over two mentors", t, func() {
		var mu sync.Mutex
		seen := map[string]int{}
		s := scheduler.New(func(_ context.Context, m string) (uint64, error) {
			mu.Lock()
			seen[m]++
			mu.Unlock()
			return 1, nil
		}, scheduler.WithPeriodic("@every 1s", func() []string {
			return []string{mentor, "0x00000000000000000000000000000000000000bb"}
		}))
		So(s.Start(context.Background()), ShouldBeNil)
		defer s.Stop(context.Background())

		Convey("Then every mentor is refreshed", func() {
			So(waitFor(func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(seen) == 2
			}), ShouldBeTrue)
		})
	})

	Convey("Given an invalid spec", t, func() {
		s := scheduler.New(func(context.Context, string) (uint64, error) { return 1, nil },
			scheduler.WithPeriodic("every now and then", func() []string { return nil }))

		Convey("Then Start fails with a configuration error", func() {
			err := s.Start(context.Background())
			So(failure.KindOf(err), ShouldEqual, failure.KindConfig)
		})
	})

	Convey("Given persisted markers", t, func() {
		store := &markerStore{markers: map[string]types.SyncMarker{
			mentor: {Mentor: mentor, Sequence: 9, State: "refreshing"},
		}}
		s := scheduler.New(func(context.Context, string) (uint64, error) { return 1, nil },
			scheduler.WithMarkerStore(store))
		So(s.Start(context.Background()), ShouldBeNil)
		defer s.Stop(context.Background())

		Convey("Then they are served before any cycle", func() {
			m := s.Marker(mentor)
			So(m.Sequence, ShouldEqual, 9)
			So(m.State, ShouldEqual, "idle")
		})
	})
}
