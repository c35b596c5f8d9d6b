package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Addr) == "" {
		add("addr must not be empty")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		add("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if c.QueueSize <= 0 {
		add("queue_size must be positive")
	}
	if c.WorkerCount <= 0 {
		add("worker_count must be positive")
	}

	switch c.Ledger.Mode {
	case LedgerMemory:
	case LedgerEthereum:
		if c.Ledger.RPCURL == "" {
			add("ledger.rpc_url is required in ethereum mode")
		}
		if c.Ledger.ContractAddress == "" {
			add("ledger.contract_address is required in ethereum mode")
		}
	default:
		add("ledger.mode %q is not one of %s, %s", c.Ledger.Mode, LedgerMemory, LedgerEthereum)
	}
	if c.Ledger.ReadConcurrency <= 0 {
		add("ledger.read_concurrency must be positive")
	}
	if c.Ledger.ReadsPerSecond < 0 {
		add("ledger.reads_per_second must not be negative")
	}

	if c.Scheduler.InitialBackoff <= 0 || c.Scheduler.MaxBackoff < c.Scheduler.InitialBackoff {
		add("scheduler backoff needs 0 < initial_backoff <= max_backoff")
	}
	if c.Scheduler.Multiplier < 1 {
		add("scheduler.multiplier must be at least 1")
	}
	if c.Retry.MaxRetries < 0 {
		add("retry.max_retries must not be negative")
	}
	if c.Feed.PollSpec != "" && c.Feed.MaxBlockSpan == 0 {
		add("feed.max_block_span must be positive")
	}
	if c.Query.MaxPageSize <= 0 || c.Query.DefaultPageSize <= 0 || c.Query.DefaultPageSize > c.Query.MaxPageSize {
		add("query page sizes need 0 < default_page_size <= max_page_size")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
