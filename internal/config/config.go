// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New(ctx) to build a Config with defaults.
// - Nested sections map to nested YAML keys and to env vars with "__",
//   e.g. MSYNC_LEDGER__RPC_URL sets ledger.rpc_url.
// - External errors are wrapped with this package's sentinels.
package config

import (
	"context"
	"runtime"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// RegistryPath names the startup identity registry YAML. Empty uses the
	// built-in registry.
	RegistryPath string `koanf:"registry_path"`

	// QueueSize bounds the in-memory observation queue.
	QueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of observation workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize sets the size of the event deduplication window.
	DedupeSize int `koanf:"dedupe_size"`

	// AuditRetention is how many finished audit trails are kept for /audit.
	AuditRetention int `koanf:"audit_retention"`

	// MilestoneTypeAliases maps free-form ledger type strings to types.
	MilestoneTypeAliases map[string]string `koanf:"milestone_type_aliases"`

	Ledger    LedgerConfig    `koanf:"ledger"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Retry     RetryConfig     `koanf:"retry"`
	Feed      FeedConfig      `koanf:"feed"`
	Store     StoreConfig     `koanf:"store"`
	Redis     RedisConfig     `koanf:"redis"`
	Query     QueryConfig     `koanf:"query"`
}

// Ledger modes.
const (
	LedgerMemory   = "memory"
	LedgerEthereum = "ethereum"
)

// LedgerConfig selects and tunes the ledger client.
type LedgerConfig struct {
	Mode            string        `koanf:"mode"`
	RPCURL          string        `koanf:"rpc_url"`
	ContractAddress string        `koanf:"contract_address"`
	ChainID         int64         `koanf:"chain_id"`
	PrivateKey      string        `koanf:"private_key"`
	Capability      string        `koanf:"capability"`
	ReadConcurrency int           `koanf:"read_concurrency"`
	ReadsPerSecond  float64       `koanf:"reads_per_second"`
	Confirmations   uint64        `koanf:"confirmations"`
	CallTimeout     time.Duration `koanf:"call_timeout"`
}

// SchedulerConfig tunes reconciliation cycles.
type SchedulerConfig struct {
	// RefreshSpec is a cron spec for periodic refreshes; empty disables them.
	RefreshSpec    string        `koanf:"refresh_spec"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	Multiplier     float64       `koanf:"multiplier"`
	Jitter         bool          `koanf:"jitter"`
}

// RetryConfig bounds retries of single ledger calls.
type RetryConfig struct {
	MaxRetries   int           `koanf:"max_retries"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
}

// FeedConfig tunes the event poller.
type FeedConfig struct {
	// PollSpec is a cron spec; empty disables the feed.
	PollSpec     string `koanf:"poll_spec"`
	StartBlock   uint64 `koanf:"start_block"`
	MaxBlockSpan uint64 `koanf:"max_block_span"`
}

// StoreConfig locates the projection database. An empty path keeps the
// projection in memory only.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// RedisConfig enables change notifications when Addr is set.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Channel  string `koanf:"channel"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// QueryConfig bounds dashboard pages.
type QueryConfig struct {
	DefaultPageSize int `koanf:"default_page_size"`
	MaxPageSize     int `koanf:"max_page_size"`
}

// New creates a Config with defaults. Context is accepted first to satisfy
// the project-wide convention.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:       "info",
		Addr:           ":9080",
		QueueSize:      10_000,
		WorkerCount:    runtime.NumCPU(),
		DedupeSize:     50_000,
		AuditRetention: 256,
		MilestoneTypeAliases: map[string]string{
			"product": "product_launch",
			"launch":  "product_launch",
			"mau":     "users",
		},
		Ledger: LedgerConfig{
			Mode:            LedgerMemory,
			ChainID:         1337,
			Capability:      "auto",
			ReadConcurrency: 5,
			ReadsPerSecond:  20,
			Confirmations:   1,
			CallTimeout:     15 * time.Second,
		},
		Scheduler: SchedulerConfig{
			RefreshSpec:    "@every 1m",
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     5 * time.Minute,
			Multiplier:     2,
			Jitter:         true,
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		},
		Feed: FeedConfig{
			PollSpec:     "@every 15s",
			MaxBlockSpan: 2000,
		},
		Redis: RedisConfig{
			Channel: "mentorsync:changes",
		},
		Query: QueryConfig{
			DefaultPageSize: 20,
			MaxPageSize:     100,
		},
	}
}
