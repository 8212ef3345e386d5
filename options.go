package exbanking

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/okariFrankline/ex-banking/log"
	"github.com/okariFrankline/ex-banking/money"
	"github.com/okariFrankline/ex-banking/sequencer"
)

const (
	// defaultCurrency is the fixed currency of newly created accounts.
	defaultCurrency money.Currency = "USD"

	defaultCompensationRetries = 8
	defaultCompensationBackoff = 5 * time.Millisecond
)

// Config carries every Bank tunable. Zero values mean defaults; normalize
// fills them in.
type Config struct {
	Logger          log.Logger
	Tracer          trace.Tracer
	Converter       money.Converter
	DefaultCurrency money.Currency
	MaxQueueDepth   int
	IdleTimeout     time.Duration
	// HistoryLimit caps the per-account diagnostics ring; negative keeps
	// the ledger default, zero disables retention.
	HistoryLimit int
	// CompensationRetries and CompensationBackoff govern how persistently a
	// transfer compensation is retried past capacity rejections before the
	// failure is declared unrecoverable.
	CompensationRetries int
	CompensationBackoff time.Duration
}

func (cfg *Config) normalize() {
	cfg.Logger = log.OrNop(cfg.Logger)

	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("exbanking")
	}

	if cfg.Converter == nil {
		cfg.Converter = money.NewRates()
	}

	if cfg.DefaultCurrency.Normalize() == "" {
		cfg.DefaultCurrency = defaultCurrency
	}

	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = sequencer.DefaultMaxQueueDepth
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = sequencer.DefaultIdleTimeout
	}

	if cfg.CompensationRetries <= 0 {
		cfg.CompensationRetries = defaultCompensationRetries
	}

	if cfg.CompensationBackoff <= 0 {
		cfg.CompensationBackoff = defaultCompensationBackoff
	}
}

// Option customizes a Bank at construction time.
type Option func(cfg *Config)

// WithLogger sets the structured logger used across the core.
func WithLogger(logger log.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer for public operations.
func WithTracer(tracer trace.Tracer) Option {
	return func(cfg *Config) {
		cfg.Tracer = tracer
	}
}

// WithConverter replaces the currency converter. The converter must be pure
// and safe for concurrent use.
func WithConverter(converter money.Converter) Option {
	return func(cfg *Config) {
		cfg.Converter = converter
	}
}

// WithDefaultCurrency sets the fixed currency of newly created accounts.
func WithDefaultCurrency(currency money.Currency) Option {
	return func(cfg *Config) {
		cfg.DefaultCurrency = currency
	}
}

// WithMaxQueueDepth caps outstanding operations per user.
func WithMaxQueueDepth(depth int) Option {
	return func(cfg *Config) {
		cfg.MaxQueueDepth = depth
	}
}

// WithIdleTimeout sets how long an idle per-user sequencer lingers before
// terminating.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.IdleTimeout = timeout
	}
}

// WithHistoryLimit caps the per-account ring of applied entries kept for
// History. Zero disables retention.
func WithHistoryLimit(limit int) Option {
	return func(cfg *Config) {
		cfg.HistoryLimit = limit
	}
}

// WithCompensationRetries caps how many times a transfer compensation is
// retried past capacity rejections before the failure is declared
// unrecoverable.
func WithCompensationRetries(retries int) Option {
	return func(cfg *Config) {
		cfg.CompensationRetries = retries
	}
}

// WithCompensationBackoff sets the base delay between compensation retries.
// The delay doubles per attempt up to a one second ceiling.
func WithCompensationBackoff(base time.Duration) Option {
	return func(cfg *Config) {
		cfg.CompensationBackoff = base
	}
}
