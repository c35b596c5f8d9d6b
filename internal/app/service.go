// Package service builds the reconciliation engine from configuration and
// implements the dependencies required by the HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/okian/mentorsync/internal/adapters/ledger"
	"github.com/okian/mentorsync/internal/adapters/mq/queue"
	"github.com/okian/mentorsync/internal/adapters/mq/worker"
	"github.com/okian/mentorsync/internal/adapters/notify"
	"github.com/okian/mentorsync/internal/adapters/repository"
	"github.com/okian/mentorsync/internal/app/feed"
	"github.com/okian/mentorsync/internal/app/mentor"
	"github.com/okian/mentorsync/internal/app/query"
	"github.com/okian/mentorsync/internal/app/reconcile"
	"github.com/okian/mentorsync/internal/app/resolver"
	"github.com/okian/mentorsync/internal/app/scheduler"
	"github.com/okian/mentorsync/internal/config"
	"github.com/okian/mentorsync/internal/domain/audit"
	"github.com/okian/mentorsync/internal/domain/classify"
	"github.com/okian/mentorsync/internal/domain/dedupe"
	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/identity"
	"github.com/okian/mentorsync/internal/domain/model"
	"github.com/okian/mentorsync/internal/domain/projection"
	"github.com/okian/mentorsync/internal/domain/types"
	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/metrics"
	"github.com/okian/mentorsync/pkg/retry"
)

// Service owns every engine component.
type Service struct {
	mu sync.RWMutex

	cfg *config.Config

	// Core components
	client     ledger.Client
	ids        *identity.Registry
	store      *repository.Store
	notifier   notify.Notifier
	proj       *projection.Projector
	journal    *audit.Journal
	deduper    dedupe.Deduper
	queue      *queue.InMemoryQueue
	pool       *worker.Pool
	resolver   *resolver.Resolver
	mentors    *mentor.Manager
	reconciler *reconcile.Reconciler
	scheduler  *scheduler.Scheduler
	feed       *feed.Feed
	query      *query.Service
	retry      retry.Config

	// State
	started bool

	logger logger.Logger
}

// New constructs a Service from cfg. Components are built by Start.
func New(cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		logger: logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.retry = retry.Config{
		MaxRetries:    cfg.Retry.MaxRetries,
		InitialDelay:  cfg.Retry.InitialDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		Multiplier:    2,
		JitterEnabled: true,
	}
	return s
}

// Start builds and starts the service components.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	cfg := s.cfg
	s.logger.Info(ctx, "starting mentorsync service...")

	if err := s.openDependencies(ctx); err != nil {
		s.closeDependencies(ctx)
		return err
	}

	classifier := classify.NewTableClassifier(classify.WithAliasesFromConfig(cfg.MilestoneTypeAliases))
	projOpts := []projection.Option{
		projection.WithClassifier(classifier),
		projection.WithCanonicalizer(s.ids),
		projection.WithNotifier(s.notifier),
		projection.WithLogger(s.logger.Named("projection")),
	}
	if s.store != nil {
		projOpts = append(projOpts, projection.WithStore(s.store))
	}
	s.proj = projection.New(projOpts...)
	restored, err := s.proj.Restore(ctx)
	if err != nil {
		s.closeDependencies(ctx)
		return fmt.Errorf("restore projection: %w", err)
	}

	s.journal = audit.NewJournal(cfg.AuditRetention)
	s.resolver = resolver.New(s.client, s.ids,
		resolver.WithConcurrency(cfg.Ledger.ReadConcurrency),
		resolver.WithRetry(s.retry),
		resolver.WithLogger(s.logger.Named("resolver")),
	)
	s.reconciler = reconcile.New(s.resolver, s.proj, s.ids,
		reconcile.WithHead(s.client.Head),
		reconcile.WithJournal(s.journal),
		reconcile.WithLogger(s.logger.Named("reconcile")),
	)

	schedOpts := []scheduler.Option{
		scheduler.WithPeriodic(cfg.Scheduler.RefreshSpec, s.proj.Mentors),
		scheduler.WithBackoff(retry.Config{
			InitialDelay:  cfg.Scheduler.InitialBackoff,
			MaxDelay:      cfg.Scheduler.MaxBackoff,
			Multiplier:    cfg.Scheduler.Multiplier,
			JitterEnabled: cfg.Scheduler.Jitter,
		}),
		scheduler.WithLogger(s.logger.Named("scheduler")),
	}
	if s.store != nil {
		schedOpts = append(schedOpts, scheduler.WithMarkerStore(s.store))
	}
	s.scheduler = scheduler.New(s.reconciler.Cycle, schedOpts...)
	if err := s.scheduler.Start(ctx); err != nil {
		s.resolver.Close()
		s.closeDependencies(ctx)
		return err
	}

	s.mentors = mentor.New(s.client, s.proj,
		mentor.WithRefresher(s.scheduler),
		mentor.WithRetry(s.retry),
		mentor.WithLogger(s.logger.Named("mentor")),
	)
	s.query = query.New(s.proj, s.ids, s.scheduler,
		query.WithPageSizes(cfg.Query.DefaultPageSize, cfg.Query.MaxPageSize),
	)

	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(cfg.DedupeSize))
	s.queue = queue.NewInMemoryQueue(queue.WithCapacity(cfg.QueueSize))
	s.pool = worker.NewPool(cfg.WorkerCount, s.queue, s.proj, s.ids, s.deduper,
		worker.WithLogger(s.logger.Named("worker")),
		worker.WithJournal(s.journal),
		worker.WithAfterApply(s.afterEvent),
	)
	s.pool.Start(ctx)

	feedOpts := []feed.Option{
		feed.WithPoll(cfg.Feed.PollSpec),
		feed.WithStartBlock(cfg.Feed.StartBlock),
		feed.WithMaxSpan(cfg.Feed.MaxBlockSpan),
		feed.WithConfirmations(cfg.Ledger.Confirmations),
		feed.WithLogger(s.logger.Named("feed")),
	}
	if s.store != nil {
		feedOpts = append(feedOpts, feed.WithCursorStore(s.store, ""))
	}
	s.feed = feed.New(s.client, s.ids, s.queue, feedOpts...)
	if err := s.feed.Start(ctx); err != nil {
		s.stopLocked(ctx)
		return err
	}

	s.started = true
	metrics.UpdateWorkerCount(s.pool.Size())
	s.logger.Info(ctx, "mentorsync service started",
		logger.String("ledger", cfg.Ledger.Mode),
		logger.String("capability", s.client.Capability().Version),
		logger.String("signer", s.client.Signer()),
		logger.Int("startups", s.ids.Len()),
		logger.Int("restored", restored),
		logger.Int("workers", s.pool.Size()),
	)
	return nil
}

// openDependencies connects the registry, ledger, store and notifier that
// were not injected.
func (s *Service) openDependencies(ctx context.Context) error {
	cfg := s.cfg
	if s.ids == nil {
		if cfg.RegistryPath != "" {
			ids, err := identity.LoadFile(ctx, cfg.RegistryPath)
			if err != nil {
				return fmt.Errorf("load registry: %w", err)
			}
			s.ids = ids
		} else {
			s.ids = identity.Default()
		}
	}

	if s.client == nil {
		client, err := dialLedger(ctx, cfg.Ledger, s.logger.Named("ledger"))
		if err != nil {
			return err
		}
		s.client = client
	}

	if s.store == nil && cfg.Store.Path != "" {
		store, err := repository.Open(ctx, cfg.Store.Path, repository.WithLogger(s.logger.Named("store")))
		if err != nil {
			return fmt.Errorf("open projection store: %w", err)
		}
		s.store = store
	}

	if s.notifier == nil {
		s.notifier = notify.Noop{}
		if cfg.Redis.Addr != "" {
			r, err := notify.NewRedis(ctx, cfg.Redis.Addr,
				notify.WithChannel(cfg.Redis.Channel),
				notify.WithAuth(cfg.Redis.Password, cfg.Redis.DB),
				notify.WithLogger(s.logger.Named("notify")),
			)
			if err != nil {
				s.logger.Warn(ctx, "change notifications disabled", logger.Error(err))
			} else {
				s.notifier = r
			}
		}
	}
	return nil
}

func dialLedger(ctx context.Context, cfg config.LedgerConfig, log logger.Logger) (ledger.Client, error) {
	switch cfg.Mode {
	case config.LedgerEthereum:
		client, err := ledger.DialEthereum(ctx, ledger.EthereumConfig{
			RPCURL:          cfg.RPCURL,
			ContractAddress: cfg.ContractAddress,
			ChainID:         cfg.ChainID,
			PrivateKey:      cfg.PrivateKey,
			Capability:      cfg.Capability,
		},
			ledger.WithReadRate(cfg.ReadsPerSecond, cfg.ReadConcurrency),
			ledger.WithConfirmations(cfg.Confirmations),
			ledger.WithCallTimeout(cfg.CallTimeout),
			ledger.WithLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("dial ledger: %w", err)
		}
		return client, nil
	default:
		var opts []ledger.MemoryOption
		if cfg.Capability != "" && cfg.Capability != "auto" {
			opts = append(opts, ledger.WithCapability(cfg.Capability))
		}
		return ledger.NewMemory(opts...), nil
	}
}

// Stop gracefully shuts down the service.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.logger.Info(ctx, "stopping mentorsync service...")
	s.stopLocked(ctx)
	s.started = false
	s.logger.Info(ctx, "mentorsync service stopped")
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.feed != nil {
		s.feed.Stop()
	}
	if s.scheduler != nil {
		if err := s.scheduler.Stop(ctx); err != nil {
			s.logger.Warn(ctx, "scheduler stop", logger.Error(err))
		}
	}
	if s.pool != nil {
		if err := s.pool.Shutdown(ctx); err != nil {
			s.logger.Warn(ctx, "worker pool shutdown", logger.Error(err))
		}
	}
	if s.resolver != nil {
		s.resolver.Close()
	}
	s.closeDependencies(ctx)
}

func (s *Service) closeDependencies(ctx context.Context) {
	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			s.logger.Warn(ctx, "close notifier", logger.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn(ctx, "close projection store", logger.Error(err))
		}
	}
	if s.client != nil {
		s.client.Close()
	}
}

// afterEvent schedules a refresh for the mentor a changed event concerns,
// so records first seen as events are read in full.
func (s *Service) afterEvent(_ context.Context, obs model.Observation, _ projection.Outcome) {
	switch obs.Kind {
	case model.ObservedSubmitted:
		if a, ok := s.proj.Assignment(obs.StartupID); ok {
			s.scheduler.Trigger(a.MentorAddress)
		}
	case model.ObservedAssigned:
		s.scheduler.Trigger(obs.Mentor)
	}
}

// ListMilestones returns one page of a mentor's dashboard.
func (s *Service) ListMilestones(ctx context.Context, mentorAddr string, filter model.Filter, page, pageSize int) (types.Page, error) {
	return s.query.List(ctx, mentorAddr, filter, page, pageSize)
}

// Refresh runs a reconciliation cycle for mentorAddr and waits for it.
func (s *Service) Refresh(ctx context.Context, mentorAddr string) (types.SyncMarker, error) {
	return s.scheduler.Refresh(ctx, mentorAddr)
}

// EnsureMentor grants the mentor role.
func (s *Service) EnsureMentor(ctx context.Context, address string) (types.WriteResult, error) {
	trail := audit.New("ensure_mentor")
	defer s.journal.Keep(trail)
	return s.mentors.EnsureMentor(ctx, trail, address)
}

// AssignMentor makes address the mentor of startupID.
func (s *Service) AssignMentor(ctx context.Context, startupID, address string) (types.WriteResult, error) {
	trail := audit.New("assign_mentor")
	defer s.journal.Keep(trail)
	return s.mentors.Assign(ctx, trail, startupID, address)
}

// Verify marks a milestone verified on the ledger. The projection is updated
// only after the write is final; a milestone the ledger already holds as
// verified is reported as already applied and projected the same way.
func (s *Service) Verify(ctx context.Context, startupID string, index uint64) (types.WriteResult, error) {
	const op = "service.verify"
	trail := audit.New("verify")
	defer s.journal.Keep(trail)

	canonical, targets, err := s.writeTargets(op, startupID)
	if err != nil {
		return types.WriteResult{}, err
	}

	var (
		rcpt   ledger.Receipt
		target string
	)
	for _, target = range targets {
		rcpt, err = ledger.Confirm(ctx, s.retry, s.logger, "ledger.verify_milestone", func(ctx context.Context) (ledger.Pending, error) {
			return s.client.VerifyMilestone(ctx, target, index)
		})
		if failure.KindOf(err) != failure.KindNotFound {
			break
		}
		trail.Info("milestone not under alias", "alias", target, "index", index)
	}

	res, err := s.settle(ctx, trail, op, rcpt, err, "startup_id", canonical, "alias", target, "index", index)
	idx := index
	res.Index = &idx
	if err != nil {
		return res, err
	}

	signer := s.client.Signer()
	if _, aerr := s.proj.Apply(ctx, trail, model.Observation{
		Kind:      model.ObservedVerified,
		Source:    model.SourceLocal,
		Alias:     model.IDAlias(target),
		StartupID: canonical,
		Index:     index,
		Mentor:    signer,
		Sequence:  rcpt.Sequence,
	}); aerr != nil && !failure.Absorbed(aerr) {
		s.logger.Warn(ctx, "local verify projection failed", logger.Error(aerr))
	}
	s.scheduler.Trigger(signer)
	if m, ok := s.proj.Get(canonical, index); ok && m.MentorAddress != "" && m.MentorAddress != model.NormalizeAddress(signer) {
		s.scheduler.Trigger(m.MentorAddress)
	}
	return res, nil
}

// Reject marks a milestone rejected in the local projection only. Rejecting
// twice reports already applied; a verified milestone cannot be rejected.
func (s *Service) Reject(ctx context.Context, startupID string, index uint64) (types.WriteResult, error) {
	const op = "service.reject"
	trail := audit.New("reject")
	defer s.journal.Keep(trail)

	canonical, _, err := s.writeTargets(op, startupID)
	if err != nil {
		return types.WriteResult{}, err
	}
	idx := index
	_, outcome, err := s.proj.Reject(ctx, trail, canonical, index)
	if err != nil {
		return types.WriteResult{Category: failure.Category(err), Message: err.Error(), Index: &idx}, err
	}
	if !outcome.Changed() {
		return types.WriteResult{Status: types.StatusAlreadyApplied, Category: "already_done", Index: &idx}, nil
	}
	return types.WriteResult{Status: types.StatusOK, Index: &idx}, nil
}

// SubmitMilestone records a new milestone for a startup on the ledger and
// schedules a refresh of the startup's mentor so the record is read back.
func (s *Service) SubmitMilestone(ctx context.Context, req ledger.SubmitRequest) (types.WriteResult, error) {
	const op = "service.submit"
	trail := audit.New("submit_milestone")
	defer s.journal.Keep(trail)

	req.StartupID = strings.TrimSpace(req.StartupID)
	if req.StartupID == "" {
		return types.WriteResult{}, failure.New(failure.KindInvalid, op, "startup id is required")
	}
	if strings.TrimSpace(req.Type) == "" {
		return types.WriteResult{}, failure.New(failure.KindInvalid, op, "milestone type is required")
	}

	rcpt, err := ledger.ConfirmOnce(ctx, s.retry, s.logger, "ledger.submit_milestone", func(ctx context.Context) (ledger.Pending, error) {
		return s.client.SubmitMilestone(ctx, req)
	})
	res, err := s.settle(ctx, trail, op, rcpt, err, "startup_id", req.StartupID)
	if err != nil {
		return res, err
	}

	canonical := s.ids.Canonical(req.StartupID)
	if index, ok := rcpt.SubmittedIndex(); ok {
		res.Index = &index
		// The submit-time mentor is left empty; the next read fills it.
		if _, aerr := s.proj.Apply(ctx, trail, model.Observation{
			Kind:      model.ObservedRecord,
			Source:    model.SourceLocal,
			Alias:     model.IDAlias(req.StartupID),
			StartupID: canonical,
			Index:     index,
			Sequence:  rcpt.Sequence,
			Record: &model.MilestoneRecord{
				StartupID:     req.StartupID,
				MilestoneType: req.Type,
				Value:         req.Value,
				Description:   req.Description,
				ProofHash:     req.ProofRef,
			},
		}); aerr != nil && !failure.Absorbed(aerr) {
			s.logger.Warn(ctx, "local submit projection failed", logger.Error(aerr))
		}
	}
	if a, ok := s.proj.Assignment(canonical); ok {
		s.scheduler.Trigger(a.MentorAddress)
	}
	return res, nil
}

// AliasReport reads a startup under every alias without touching the
// projection.
func (s *Service) AliasReport(ctx context.Context, startupID string) (resolver.Report, error) {
	if strings.TrimSpace(startupID) == "" {
		return resolver.Report{}, failure.New(failure.KindInvalid, "service.alias_report", "startup id is required")
	}
	trail := audit.New("alias_report")
	defer s.journal.Keep(trail)
	return s.resolver.Report(ctx, trail, startupID)
}

// RecentAudits returns the newest audit trails.
func (s *Service) RecentAudits(limit int) []audit.Summary {
	return s.journal.Recent(limit)
}

// writeTargets canonicalizes startupID and lists the string spellings a
// ledger write may address, the requested spelling first.
func (s *Service) writeTargets(op, startupID string) (string, []string, error) {
	startupID = strings.TrimSpace(startupID)
	if startupID == "" {
		return "", nil, failure.New(failure.KindInvalid, op, "startup id is required")
	}
	canonical := s.ids.Canonical(startupID)
	targets := []string{startupID}
	for _, a := range s.ids.Aliases(canonical) {
		if a.Kind == model.AliasID && a.ID != startupID {
			targets = append(targets, a.ID)
		}
	}
	return canonical, targets, nil
}

// settle turns a confirmed write into a WriteResult. Already applied writes
// succeed with their own status.
func (s *Service) settle(ctx context.Context, trail *audit.Trail, op string, rcpt ledger.Receipt, err error, kv ...any) (types.WriteResult, error) {
	switch {
	case err == nil:
		trail.Info("write confirmed", append(kv, "tx", rcpt.TxHash, "sequence", rcpt.Sequence)...)
		return types.WriteResult{Status: types.StatusOK, TxHash: rcpt.TxHash, Sequence: rcpt.Sequence}, nil
	case failure.IsAlreadyApplied(err):
		trail.Info("write already applied", kv...)
		return types.WriteResult{Status: types.StatusAlreadyApplied, Category: failure.Category(err), Message: err.Error()}, nil
	default:
		trail.Fail("write failed", err, kv...)
		metrics.RecordErrorByComponent("service", failure.Category(err))
		s.logger.Warn(ctx, "ledger write failed", logger.String("op", op), logger.String("category", failure.Category(err)), logger.Error(err))
		return types.WriteResult{Category: failure.Category(err), Message: err.Error()}, fmt.Errorf("%s: %w", op, err)
	}
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]interface{}{
		"started": s.started,
	}
	if !s.started {
		return stats
	}

	queueLen := s.queue.Len(ctx)
	stats["ledger"] = map[string]interface{}{
		"mode":       s.cfg.Ledger.Mode,
		"capability": s.client.Capability().Version,
		"signer":     s.client.Signer(),
	}
	stats["startups"] = s.ids.Len()
	stats["projection"] = s.proj.Stats()
	stats["workers"] = s.pool.Size()
	stats["queueLength"] = queueLen
	stats["dedupeSize"] = s.deduper.Size()
	stats["feedCursor"] = s.feed.Cursor()
	stats["persistent"] = s.store != nil

	markers := make([]types.SyncMarker, 0)
	for _, m := range s.proj.Mentors() {
		markers = append(markers, s.scheduler.Marker(m))
	}
	stats["mentors"] = markers

	st := s.proj.Stats()
	metrics.UpdateProjectionSize(st.Entries, st.Suspect)
	metrics.UpdateWorkerCount(s.pool.Size())
	return stats
}

// ErrNotStarted is returned by Ready before Start succeeded.
var ErrNotStarted = errors.New("service not started")

// Ready reports whether the service accepts requests.
func (s *Service) Ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	return nil
}
