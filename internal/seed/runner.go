package seed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/okian/mentorsync/internal/domain/types"
	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/retry"
)

const (
	defaultConcurrency = 2
	listPageSize       = 100
)

// ErrIncomplete is returned when the dashboard lists fewer milestones than
// the run submitted.
var ErrIncomplete = errors.New("dashboard is missing seeded milestones")

type runner struct {
	cfg    *Config
	client *HTTPClient
	log    logger.Logger

	mu    sync.Mutex
	stats Stats
}

// Run executes the complete onboarding flow: ensure the mentor, assign it
// to every startup, submit the starter milestones, refresh the mentor and
// check that the dashboard lists everything that was submitted.
func Run(ctx context.Context, cfg *Config, log logger.Logger) (Stats, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = defaultConcurrency
	}
	r := &runner{
		cfg:    cfg,
		client: newHTTPClient(cfg.BaseURL, cfg.Timeout),
		log:    log,
		stats:  Stats{StartTime: time.Now(), Startups: len(cfg.Startups)},
	}

	log.Info(ctx, "starting onboarding seed",
		logger.String("baseURL", cfg.BaseURL),
		logger.String("mentor", cfg.Mentor),
		logger.Int("startups", len(cfg.Startups)),
		logger.Int("concurrency", cfg.Concurrency))

	// Step 1: Check service health
	if err := r.checkServiceHealth(ctx); err != nil {
		return r.finish(), fmt.Errorf("service health check failed: %w", err)
	}

	// Step 2: Grant the mentor role
	if _, err := r.write(ctx, "/mentors", map[string]string{"address": cfg.Mentor}); err != nil {
		return r.finish(), fmt.Errorf("ensure mentor: %w", err)
	}

	// Step 3: Onboard startups concurrently
	if err := r.onboardAll(ctx); err != nil {
		return r.finish(), err
	}

	// Step 4: Refresh the mentor and verify the dashboard
	if err := r.verifyDashboard(ctx); err != nil {
		return r.finish(), err
	}

	stats := r.finish()
	displayFinalStats(ctx, log, stats)
	return stats, nil
}

func (r *runner) finish() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.EndTime = time.Now()
	r.stats.Duration = r.stats.EndTime.Sub(r.stats.StartTime)
	return r.stats
}

// checkServiceHealth waits until the service reports ready.
func (r *runner) checkServiceHealth(ctx context.Context) error {
	_, err := retry.Do(ctx, r.cfg.Retry, r.log, "seed.healthz", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.client.Get(ctx, "/healthz", nil)
	})
	if err == nil {
		r.log.Info(ctx, "service is healthy")
	}
	return err
}

func (r *runner) onboardAll(ctx context.Context) error {
	pool := pond.NewPool(r.cfg.Concurrency)
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	for _, s := range r.cfg.Startups {
		group.SubmitErr(func() error {
			return r.onboard(group.Context(), s)
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("onboarding failed: %w", err)
	}
	return nil
}

// onboard assigns the mentor and submits the starter milestones of s.
func (r *runner) onboard(ctx context.Context, s Startup) error {
	base := "/startups/" + url.PathEscape(s.ID)
	res, err := r.write(ctx, base+"/mentor", map[string]string{"address": r.cfg.Mentor})
	if err != nil {
		return fmt.Errorf("assign mentor to %s: %w", s.ID, err)
	}
	r.count(func(st *Stats) {
		if res.Status == types.StatusOK {
			st.Assigned++
		}
	})

	for i, m := range StarterMilestones(s) {
		if _, err := r.submit(ctx, base+"/milestones", m); err != nil {
			return fmt.Errorf("submit milestone %d of %s: %w", i+1, s.ID, err)
		}
		r.count(func(st *Stats) { st.MilestonesSubmitted++ })
		if r.cfg.Verbose {
			r.log.Info(ctx, "milestone submitted",
				logger.String("startup_id", s.ID),
				logger.String("description", m.Description),
				logger.Uint64("value", m.Value))
		}
	}
	r.log.Info(ctx, "startup onboarded", logger.String("startup_id", s.ID), logger.String("name", s.Name))
	return nil
}

// write posts one idempotent write, retrying unavailable answers, and
// counts its outcome.
func (r *runner) write(ctx context.Context, path string, body any) (types.WriteResult, error) {
	res, err := retry.Do(ctx, r.cfg.Retry, r.log, "seed.write", r.poster(path, body))
	return r.tally(res, err)
}

// submit posts a milestone once. A repeated submission would append a
// second milestone on the ledger.
func (r *runner) submit(ctx context.Context, path string, body any) (types.WriteResult, error) {
	res, err := r.poster(path, body)(ctx)
	return r.tally(res, err)
}

func (r *runner) poster(path string, body any) func(context.Context) (types.WriteResult, error) {
	return func(ctx context.Context) (types.WriteResult, error) {
		var res types.WriteResult
		err := r.client.Post(ctx, path, body, &res)
		return res, err
	}
}

func (r *runner) tally(res types.WriteResult, err error) (types.WriteResult, error) {
	r.count(func(st *Stats) {
		switch {
		case err != nil:
			st.Failed++
		case res.Status == types.StatusAlreadyApplied:
			st.AlreadyApplied++
		}
	})
	return res, err
}

func (r *runner) count(fn func(*Stats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.stats)
}

// verifyDashboard refreshes the mentor and pages through its dashboard.
func (r *runner) verifyDashboard(ctx context.Context) error {
	mentorPath := "/mentors/" + url.PathEscape(r.cfg.Mentor)
	marker, err := retry.Do(ctx, r.cfg.Retry, r.log, "seed.refresh", func(ctx context.Context) (types.SyncMarker, error) {
		var m types.SyncMarker
		err := r.client.Post(ctx, mentorPath+"/refresh", nil, &m)
		return m, err
	})
	if err != nil {
		return fmt.Errorf("refresh mentor: %w", err)
	}

	listed := 0
	for page := 1; ; page++ {
		var p types.Page
		q := fmt.Sprintf("%s/milestones?filter=all&page=%d&page_size=%d", mentorPath, page, listPageSize)
		if err := r.client.Get(ctx, q, &p); err != nil {
			return fmt.Errorf("list milestones: %w", err)
		}
		listed += len(p.Entries)
		if len(p.Entries) == 0 || listed >= p.Total {
			break
		}
	}

	r.count(func(st *Stats) {
		st.Listed = listed
		st.Sequence = marker.Sequence
	})
	submitted := r.finish().MilestonesSubmitted
	if listed < submitted {
		return fmt.Errorf("%w: listed %d, submitted %d", ErrIncomplete, listed, submitted)
	}
	r.log.Info(ctx, "dashboard verified", logger.Int("listed", listed), logger.Uint64("sequence", marker.Sequence))
	return nil
}

// displayFinalStats logs the final run statistics.
func displayFinalStats(ctx context.Context, log logger.Logger, stats Stats) {
	log.Info(ctx, "final statistics",
		logger.Int("startups", stats.Startups),
		logger.Int("assigned", stats.Assigned),
		logger.Int("milestonesSubmitted", stats.MilestonesSubmitted),
		logger.Int("alreadyApplied", stats.AlreadyApplied),
		logger.Int("failed", stats.Failed),
		logger.Int("listed", stats.Listed),
		logger.Uint64("sequence", stats.Sequence),
		logger.String("duration", stats.Duration.String()))
}
