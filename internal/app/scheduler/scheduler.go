// Package scheduler drives reconciliation cycles per mentor. At most one
// cycle per mentor is in flight; triggers that arrive meanwhile collapse
// into a single re-run that starts as soon as the current cycle ends.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"

	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/model"
	"github.com/okian/mentorsync/internal/domain/types"
	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/metrics"
	"github.com/okian/mentorsync/pkg/retry"
)

// State is the lifecycle state of a mentor's reconciliation.
type State string

const (
	StateIdle       State = "idle"
	StateRefreshing State = "refreshing"
	StateBackoff    State = "backoff"
)

var allStates = []State{StateIdle, StateRefreshing, StateBackoff}

// Cycle reconciles one mentor and returns the ledger sequence it synced to.
type Cycle func(ctx context.Context, mentor string) (uint64, error)

// MarkerStore persists sync markers across restarts.
type MarkerStore interface {
	SaveMarker(ctx context.Context, m types.SyncMarker) error
	LoadMarkers(ctx context.Context) ([]types.SyncMarker, error)
}

// outcome is what a waiter receives when its cycle ends.
type outcome struct {
	marker types.SyncMarker
	err    error
}

type mentorState struct {
	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	pending bool
	current []chan outcome
	next    []chan outcome
	bo      *backoff.ExponentialBackOff
	timer   *time.Timer
	marker  types.SyncMarker
}

// Scheduler owns the per-mentor state machines.
type Scheduler struct {
	run     Cycle
	states  *xsync.Map[string, *mentorState]
	mentors func() []string
	store   MarkerStore
	backoff retry.Config
	spec    string
	cron    *cron.Cron
	log     logger.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.Mutex
	stopped bool
}

// New creates a scheduler running cycle for each refresh.
func New(cycle Cycle, opts ...Option) *Scheduler {
	s := &Scheduler{
		run:     cycle,
		states:  xsync.NewMap[string, *mentorState](),
		backoff: defaultBackoff(),
		log:     logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start restores persisted markers and starts the periodic trigger.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.store != nil {
		markers, err := s.store.LoadMarkers(ctx)
		if err != nil {
			return fmt.Errorf("load sync markers: %w", err)
		}
		for _, m := range markers {
			st := s.stateFor(m.Mentor)
			st.mu.Lock()
			st.marker = m
			st.marker.State = string(StateIdle)
			st.mu.Unlock()
		}
	}
	if s.spec == "" || s.mentors == nil {
		s.publishStates()
		return nil
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.cron = cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(logger.Cron(s.log))))
	if _, err := s.cron.AddFunc(s.spec, s.TriggerAll); err != nil {
		return failure.Wrap(failure.KindConfig, "scheduler.start", fmt.Errorf("refresh spec %q: %w", s.spec, err))
	}
	s.cron.Start()
	s.log.Info(ctx, "periodic refresh started", logger.String("spec", s.spec))
	s.publishStates()
	return nil
}

// Stop cancels running cycles and waits for them to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.once.Do(func() {
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cancel()
		s.states.Range(func(_ string, st *mentorState) bool {
			st.mu.Lock()
			if st.timer != nil {
				st.timer.Stop()
				st.timer = nil
			}
			st.next = flush(st.next, st.marker)
			st.pending = false
			st.mu.Unlock()
			return true
		})
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func flush(waiters []chan outcome, marker types.SyncMarker) []chan outcome {
	for _, ch := range waiters {
		ch <- outcome{marker: marker, err: ErrStopped}
	}
	return nil
}

// TriggerAll requests a cycle for every known mentor.
func (s *Scheduler) TriggerAll() {
	if s.mentors == nil {
		return
	}
	for _, m := range s.mentors() {
		s.Trigger(m)
	}
}

// Trigger requests a cycle for mentor without waiting for it.
func (s *Scheduler) Trigger(mentor string) {
	mentor, ok := model.ParseAddress(mentor)
	if !ok {
		return
	}
	s.request(mentor, nil)
}

// Refresh requests a cycle and waits for the first cycle that starts after
// the request. It returns the mentor's marker after that cycle.
func (s *Scheduler) Refresh(ctx context.Context, mentor string) (types.SyncMarker, error) {
	const op = "scheduler.refresh"
	mentor, ok := model.ParseAddress(mentor)
	if !ok {
		return types.SyncMarker{}, failure.New(failure.KindInvalid, op, "mentor address must be a 20-byte hex address")
	}
	ch := make(chan outcome, 1)
	s.request(mentor, ch)
	select {
	case out := <-ch:
		return out.marker, out.err
	case <-ctx.Done():
		return s.Marker(mentor), ctx.Err()
	}
}

// Cancel aborts the in-flight cycle of mentor and drops a pending re-run.
// Results of the aborted cycle are discarded.
func (s *Scheduler) Cancel(mentor string) bool {
	st, ok := s.states.Load(model.NormalizeAddress(mentor))
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	cancelled := false
	if st.cancel != nil {
		st.cancel()
		cancelled = true
	}
	st.pending = false
	for _, ch := range st.next {
		ch <- outcome{marker: st.marker, err: context.Canceled}
	}
	st.next = nil
	return cancelled
}

// Marker returns the mentor's last sync marker.
func (s *Scheduler) Marker(mentor string) types.SyncMarker {
	mentor = model.NormalizeAddress(mentor)
	st, ok := s.states.Load(mentor)
	if !ok {
		return types.SyncMarker{Mentor: mentor, State: string(StateIdle)}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	m := st.marker
	m.Mentor = mentor
	m.State = string(st.state)
	return m
}

// State returns the mentor's current state.
func (s *Scheduler) State(mentor string) State {
	st, ok := s.states.Load(model.NormalizeAddress(mentor))
	if !ok {
		return StateIdle
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

func (s *Scheduler) stateFor(mentor string) *mentorState {
	st, _ := s.states.LoadOrCompute(mentor, func() (*mentorState, bool) {
		return &mentorState{
			state:  StateIdle,
			bo:     s.backoff.NewBackOff(),
			marker: types.SyncMarker{Mentor: mentor},
		}, false
	})
	return st
}

func (s *Scheduler) request(mentor string, ch chan outcome) {
	if s.ctx.Err() != nil {
		if ch != nil {
			ch <- outcome{marker: s.Marker(mentor), err: ErrStopped}
		}
		return
	}
	st := s.stateFor(mentor)
	st.mu.Lock()
	defer st.mu.Unlock()

	switch st.state {
	case StateIdle:
		if ch != nil {
			st.current = append(st.current, ch)
		}
		s.startLocked(mentor, st)
	default:
		if !st.pending {
			metrics.RecordRefreshCoalesced()
		}
		st.pending = true
		if ch != nil {
			st.next = append(st.next, ch)
		}
	}
}

// startLocked moves st to Refreshing and launches the cycle. Once the
// scheduler is stopped it fails the waiters instead.
func (s *Scheduler) startLocked(mentor string, st *mentorState) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		st.failWaitersLocked(ErrStopped)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	st.state = StateRefreshing
	st.cancel = cancel
	go s.cycle(ctx, cancel, mentor, st)
	s.publishStatesAsync()
}

// failWaitersLocked answers every waiter with err and drops a pending re-run.
func (st *mentorState) failWaitersLocked(err error) {
	for _, ch := range st.current {
		ch <- outcome{marker: st.marker, err: err}
	}
	for _, ch := range st.next {
		ch <- outcome{marker: st.marker, err: err}
	}
	st.current, st.next = nil, nil
	st.pending = false
}

func (s *Scheduler) cycle(ctx context.Context, cancel context.CancelFunc, mentor string, st *mentorState) {
	defer s.wg.Done()
	defer cancel()

	start := time.Now()
	seq, err := s.run(ctx, mentor)
	elapsed := float64(time.Since(start).Milliseconds())
	cancelled := ctx.Err() != nil
	if err == nil && cancelled {
		err = ctx.Err()
	}

	st.mu.Lock()
	st.cancel = nil
	var save bool
	switch {
	case err == nil:
		st.marker.Sequence = seq
		st.marker.SyncedAt = time.Now().UTC()
		st.marker.Stale = false
		st.marker.LastError = ""
		st.bo.Reset()
		st.state = StateIdle
		save = true
		metrics.RecordRefreshCycle("ok", elapsed)
		s.log.Debug(ctx, "refresh cycle finished", logger.String("mentor", mentor), logger.Uint64("sequence", seq))
	case cancelled:
		st.state = StateIdle
		metrics.RecordRefreshCycle("cancelled", elapsed)
		s.log.Info(context.Background(), "refresh cycle cancelled", logger.String("mentor", mentor))
	default:
		st.marker.Stale = true
		st.marker.LastError = err.Error()
		st.state = StateBackoff
		save = true
		delay := st.bo.NextBackOff()
		if delay == backoff.Stop {
			delay = s.backoff.MaxDelay
		}
		st.timer = time.AfterFunc(delay, func() { s.endBackoff(mentor, st) })
		metrics.RecordRefreshCycle("failed", elapsed)
		metrics.RecordErrorByComponent("scheduler", failure.Category(err))
		s.log.Warn(context.Background(), "refresh cycle failed",
			logger.String("mentor", mentor),
			logger.String("category", failure.Category(err)),
			logger.Duration("backoff", delay),
			logger.Error(err),
		)
	}

	marker := st.marker
	marker.Mentor = mentor
	marker.State = string(st.state)
	for _, ch := range st.current {
		ch <- outcome{marker: marker, err: err}
	}
	st.current = nil

	if st.state == StateIdle && st.pending {
		st.pending = false
		st.current, st.next = st.next, nil
		s.startLocked(mentor, st)
	}
	st.mu.Unlock()
	s.publishStates()

	if save && s.store != nil {
		if err := s.store.SaveMarker(context.Background(), marker); err != nil {
			s.log.Error(context.Background(), "persist sync marker failed", logger.String("mentor", mentor), logger.Error(err))
		}
	}
}

func (s *Scheduler) endBackoff(mentor string, st *mentorState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state != StateBackoff {
		return
	}
	st.timer = nil
	st.state = StateIdle
	if st.pending {
		st.pending = false
		st.current, st.next = st.next, nil
		s.startLocked(mentor, st)
		return
	}
	s.publishStatesAsync()
}

// publishStates exports how many mentors are in each state.
func (s *Scheduler) publishStates() {
	counts := make(map[State]int, len(allStates))
	s.states.Range(func(_ string, st *mentorState) bool {
		st.mu.Lock()
		counts[st.state]++
		st.mu.Unlock()
		return true
	})
	for _, state := range allStates {
		metrics.UpdateMentorsInState(string(state), counts[state])
	}
}

// publishStatesAsync is publishStates for callers holding a state lock.
func (s *Scheduler) publishStatesAsync() {
	go s.publishStates()
}
