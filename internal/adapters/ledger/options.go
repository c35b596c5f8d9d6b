package ledger

import (
	"time"

	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/metrics"
)

// Default Ethereum client settings.
const (
	defaultReadsPerSecond = 10
	defaultConfirmations  = 1
	defaultCallTimeout    = 15 * time.Second
	defaultPollInterval   = 2 * time.Second
)

// Option configures the Ethereum client.
type Option func(*Ethereum)

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Ethereum) {
		if l != nil {
			e.log = l
		}
	}
}

// WithReadRate limits read calls per second. Non-positive disables limiting.
func WithReadRate(perSecond float64, burst int) Option {
	return func(e *Ethereum) {
		e.readsPerSecond = perSecond
		if burst > 0 {
			e.readBurst = burst
		}
	}
}

// WithConfirmations sets how many blocks must include a write before it is
// final. One means the including block is enough.
func WithConfirmations(n uint64) Option {
	return func(e *Ethereum) {
		if n > 0 {
			e.confirmations = n
		}
	}
}

// WithCallTimeout bounds each read call.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Ethereum) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithPollInterval sets how often confirmation depth is polled.
func WithPollInterval(d time.Duration) Option {
	return func(e *Ethereum) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

func observe(method string, start time.Time, err error) {
	metrics.RecordLedgerCall(method, outcome(err), float64(time.Since(start).Milliseconds()))
}
