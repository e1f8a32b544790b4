package stepwise

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the worker-level configuration of spec §6.
type Config struct {
	// MaxFailures caps the number of failed attempts before a workflow is
	// transitioned to aborted instead of failed.
	MaxFailures int

	// TimeoutInterval is the lease length, and the amount added to
	// wakeUpAt when recording a nap.
	TimeoutInterval time.Duration

	// PollInterval is the idle sleep between empty poll cycles.
	PollInterval time.Duration

	// RetryInterval is the delay added to timeoutAt when writing a failed
	// status, controlling how soon a retry can be claimed.
	RetryInterval time.Duration

	// MaxConcurrentRuns bounds the number of in-flight Run invocations a
	// single Worker will hold at once (spec §4.5, backpressure). Zero
	// means unbounded.
	MaxConcurrentRuns int

	Logger zerolog.Logger
	Clock  Clock
	Delay  Delayer
}

// DefaultConfig provides the defaults named in spec §6.
func DefaultConfig() Config {
	return Config{
		MaxFailures:       3,
		TimeoutInterval:   60 * time.Second,
		PollInterval:      1 * time.Second,
		RetryInterval:     60 * time.Second,
		MaxConcurrentRuns: 10,
		Logger:            zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger(),
		Clock:             RealClock,
		Delay:             RealDelayer,
	}
}

// Option configures a Config, following the functional-options idiom used
// throughout the teacher codebase for Engine/Workflow construction.
type Option func(*Config)

// WithMaxFailures overrides Config.MaxFailures.
func WithMaxFailures(n int) Option {
	return func(c *Config) { c.MaxFailures = n }
}

// WithTimeoutInterval overrides Config.TimeoutInterval.
func WithTimeoutInterval(d time.Duration) Option {
	return func(c *Config) { c.TimeoutInterval = d }
}

// WithPollInterval overrides Config.PollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) { c.PollInterval = d }
}

// WithRetryInterval overrides Config.RetryInterval.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Config) { c.RetryInterval = d }
}

// WithMaxConcurrentRuns overrides Config.MaxConcurrentRuns.
func WithMaxConcurrentRuns(n int) Option {
	return func(c *Config) { c.MaxConcurrentRuns = n }
}

// WithLogger overrides Config.Logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithClock overrides Config.Clock; used by tests to inject a fake clock.
func WithClock(clk Clock) Option {
	return func(c *Config) { c.Clock = clk }
}

// WithDelay overrides Config.Delay; used by tests to inject a deterministic
// delayer instead of sleeping against the wall clock.
func WithDelay(d Delayer) Option {
	return func(c *Config) { c.Delay = d }
}

// BuildConfig applies opts over DefaultConfig, the same pattern teacher's
// NewEngine uses for EngineOption.
func BuildConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
