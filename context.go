package stepwise

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Context is handed to a handler on every invocation of Engine.Run. It
// carries the identity of the workflow being run and the three primitives a
// handler uses to make its progress durable: Step, Sleep and Start. A
// Context must not be retained past the handler call that received it.
type Context struct {
	context.Context

	workflowID      string
	store           Store
	clock           Clock
	delay           Delayer
	timeoutInterval time.Duration
	logger          zerolog.Logger
}

// NewContext builds the Context the run engine hands to a handler. It lives
// in this package (rather than being engine-private) because the engine
// package constructs one per invocation and Context's fields are
// unexported.
func NewContext(parent context.Context, workflowID string, store Store, clock Clock, delay Delayer, timeoutInterval time.Duration, logger zerolog.Logger) *Context {
	return &Context{
		Context:         parent,
		workflowID:      workflowID,
		store:           store,
		clock:           clock,
		delay:           delay,
		timeoutInterval: timeoutInterval,
		logger:          logger.With().Str("workflow_id", workflowID).Logger(),
	}
}

// WorkflowID returns the id of the workflow currently executing.
func (c *Context) WorkflowID() string {
	return c.workflowID
}

// Logger returns a logger pre-enriched with the workflow id, mirroring the
// per-step enriched logger the teacher engine hands to StepContext.
func (c *Context) Logger() zerolog.Logger {
	return c.logger
}

// Step records fn's output at most once per step id across every attempt of
// a workflow. Until a record exists, fn is invoked and, on success, its
// output is persisted before Step returns. On every subsequent call with the
// same id — whether later in the same attempt or during a replay after a
// crash — the persisted output is decoded and returned directly, and fn is
// never invoked again. A failure from fn propagates out of Step unpersisted,
// so the next attempt will invoke fn again for this id; the same holds when
// an attempt ends after fn ran but before its output was persisted.
//
// Step is a free function rather than a method because Go methods cannot be
// generic; callers write stepwise.Step(ctx, id, fn) the way teacher code
// writes stepwise.GetTypedOutput[T](accessor, stepID).
func Step[T any](ctx *Context, id string, fn func() (T, error)) (T, error) {
	var zero T

	raw, ok, err := ctx.store.FindOutput(ctx.Context, ctx.workflowID, id)
	if err != nil {
		return zero, wrapStoreError("step:FindOutput", err)
	}
	if ok {
		var out T
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, fmt.Errorf("step %q: decode recorded output: %w", id, err)
		}
		LogStepReplayed(ctx.logger, id)
		return out, nil
	}

	out, err := fn()
	if err != nil {
		return zero, err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("step %q: encode output: %w", id, err)
	}

	timeoutAt := ctx.clock.Now().Add(ctx.timeoutInterval)
	if err := ctx.store.UpdateOutput(ctx.Context, ctx.workflowID, id, data, timeoutAt); err != nil {
		return zero, wrapStoreError("step:UpdateOutput", err)
	}
	LogStepRecorded(ctx.logger, id)

	return out, nil
}

// Sleep suspends the handler for d, durably. The wake time is recorded under
// nap id the first time Sleep(id, ...) is reached; if the handler crashes and
// is replayed before the wake time arrives, the recorded wake time is reused
// rather than restarting the delay from d. Once the wake time has passed,
// Sleep returns immediately without delaying again, so naps replay as a
// no-op once elapsed.
func (c *Context) Sleep(id string, d time.Duration) error {
	now := c.clock.Now()

	wakeUpAt, ok, err := c.store.FindWakeUpAt(c.Context, c.workflowID, id)
	if err != nil {
		return wrapStoreError("sleep:FindWakeUpAt", err)
	}

	if !ok {
		wakeUpAt = now.Add(d)
		timeoutAt := wakeUpAt.Add(c.timeoutInterval)
		if err := c.store.UpdateWakeUpAt(c.Context, c.workflowID, id, wakeUpAt, timeoutAt); err != nil {
			return wrapStoreError("sleep:UpdateWakeUpAt", err)
		}
		LogNapRecorded(c.logger, id, wakeUpAt)
	} else {
		LogNapReplayed(c.logger, id, wakeUpAt.Sub(now))
	}

	remaining := wakeUpAt.Sub(now)
	if remaining <= 0 {
		return nil
	}
	return c.delay.Delay(c.Context, remaining)
}

// Start creates a new workflow with the given handler and input, the same
// way the top-level client package does. ok is false if id already exists —
// a handler that calls Start with the same id on every replay gets
// idempotent fan-out for free, since Insert is itself idempotent on id.
func (c *Context) Start(id, handler string, input any) (bool, error) {
	ok, err := StartWorkflow(c.Context, c.store, id, handler, input)
	if err != nil {
		return false, err
	}
	LogStarted(c.logger, id, handler, ok)
	return ok, nil
}

// StartWorkflow marshals input and inserts a new idle workflow. It is the
// shared implementation behind Context.Start and client.Client.Start, so a
// workflow started from inside a handler and one started from outside go
// through the identical path into Store.Insert.
func StartWorkflow(ctx context.Context, store Store, id, handler string, input any) (bool, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return false, fmt.Errorf("start %q: encode input: %w", id, err)
	}
	ok, err := store.Insert(ctx, id, handler, data)
	if err != nil {
		return false, wrapStoreError("start:Insert", err)
	}
	return ok, nil
}
