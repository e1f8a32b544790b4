// Package client provides the caller-facing surface for submitting
// workflows and observing their terminal status: Start and Wait.
package client

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stepwise/stepwise"
)

// Client is a thin wrapper over a Store for external callers — code that
// starts workflows and optionally polls for completion, as opposed to
// workflow handler code, which uses Context instead.
type Client struct {
	store  stepwise.Store
	clock  stepwise.Clock
	delay  stepwise.Delayer
	logger zerolog.Logger
}

// New constructs a Client bound to store. clock and delay default to the
// real wall clock and a real sleeping delayer; override with functional
// options for deterministic tests.
func New(store stepwise.Store, opts ...Option) *Client {
	c := &Client{store: store, clock: stepwise.RealClock, delay: stepwise.RealDelayer, logger: stepwise.DefaultConfig().Logger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithClock overrides the Client's clock.
func WithClock(clk stepwise.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithDelay overrides the Client's delayer.
func WithDelay(d stepwise.Delayer) Option {
	return func(c *Client) { c.delay = d }
}

// WithLogger overrides the Client's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Start creates a new workflow with the given handler and input, returning
// true if it was freshly created and false if id already existed.
func (c *Client) Start(ctx context.Context, id, handler string, input any) (bool, error) {
	ok, err := stepwise.StartWorkflow(ctx, c.store, id, handler, input)
	if err != nil {
		return false, err
	}
	stepwise.LogStarted(c.logger, id, handler, ok)
	return ok, nil
}

// Wait polls FindStatus up to times times, with a delay between attempts,
// until it observes a status in statusSet. It returns the matching status
// and true, or ("", false) if the budget is exhausted without a match. It
// is advisory: there is no push notification, so Wait(..., 0, d) returns
// immediately with no match.
func (c *Client) Wait(ctx context.Context, id string, statusSet []stepwise.Status, times int, delay time.Duration) (stepwise.Status, bool, error) {
	for attempt := 0; attempt < times; attempt++ {
		status, ok, err := c.store.FindStatus(ctx, id)
		if err != nil {
			return "", false, err
		}
		if ok && contains(statusSet, status) {
			return status, true, nil
		}
		if err := c.delay.Delay(ctx, delay); err != nil {
			return "", false, err
		}
	}
	return "", false, nil
}

func contains(set []stepwise.Status, s stepwise.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
