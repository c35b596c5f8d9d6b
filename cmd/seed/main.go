package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/okian/mentorsync/internal/adapters/ledger"
	"github.com/okian/mentorsync/internal/seed"
	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/retry"
)

// Default configuration constants.
const (
	defaultConcurrency = 2
	defaultTimeout     = 2 * time.Minute
	defaultRunTimeout  = 10 * time.Minute
)

func main() {
	var (
		baseURL     = flag.String("url", "http://localhost:9080", "Base URL of the service")
		mentor      = flag.String("mentor", ledger.DefaultMemoryOwner, "Address made mentor of every startup")
		startups    = flag.String("startups", "", "Comma-separated startup ids (default: the built-in onboarding set)")
		concurrency = flag.Int("concurrency", defaultConcurrency, "Startups onboarded in parallel")
		timeout     = flag.Duration("timeout", defaultTimeout, "HTTP request timeout")
		verbose     = flag.Bool("verbose", false, "Log every submitted milestone")
	)
	flag.Parse()

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, defaultRunTimeout)
	defer cancel()

	cfg := &seed.Config{
		BaseURL:     strings.TrimRight(*baseURL, "/"),
		Mentor:      *mentor,
		Startups:    selectStartups(*startups),
		Concurrency: *concurrency,
		Timeout:     *timeout,
		Retry:       retry.DefaultConfig(),
		Verbose:     *verbose,
	}

	if _, err := seed.Run(ctx, cfg, logger.Named("seed")); err != nil {
		logger.Get().Error(ctx, "seed failed", logger.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// selectStartups keeps the built-in startups named in list, in list order.
// Ids without a built-in entry are onboarded with default funding.
func selectStartups(list string) []seed.Startup {
	all := seed.DefaultStartups()
	if strings.TrimSpace(list) == "" {
		return all
	}
	byID := make(map[string]seed.Startup, len(all))
	for _, s := range all {
		byID[s.ID] = s
	}
	var out []seed.Startup
	for _, id := range strings.Split(list, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		s, ok := byID[id]
		if !ok {
			s = seed.Startup{ID: id}
		}
		out = append(out, s)
	}
	return out
}
