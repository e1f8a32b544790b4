// Package engine implements the run procedure: given a workflow id already
// claimed by a Supervisor, load its data, resolve its handler, invoke it,
// and translate the outcome into terminal or retryable store state.
package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stepwise/stepwise"
)

// Engine runs claimed workflows until their handler returns, then records
// the outcome.
type Engine struct {
	store    stepwise.Store
	registry *stepwise.Registry
	cfg      stepwise.Config
}

// New constructs an Engine bound to store and registry, configured by cfg.
func New(store stepwise.Store, registry *stepwise.Registry, cfg stepwise.Config) *Engine {
	return &Engine{store: store, registry: registry, cfg: cfg}
}

// Run executes the five-step run procedure for workflowID: load run data,
// resolve the handler, construct a Context, invoke the handler, and
// finalize the workflow according to the outcome.
//
// A StoreError from the engine's own store calls (FindRunData, and the final
// SetAsFinished or UpdateStatus write) propagates to the caller without
// recording terminal state — the lease is left to expire and another worker
// will retry. A store error raised inside Step, Sleep or Start and returned
// by the handler is not told apart from other handler errors: it is
// recorded as a failed or aborted attempt like them. WorkflowNotFound and
// HandlerNotFound propagate; both indicate a problem the Supervisor cannot
// resolve by retrying this same claim.
func (e *Engine) Run(ctx context.Context, workflowID string) error {
	runData, ok, err := e.store.FindRunData(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("engine: find run data: %w", err)
	}
	if !ok {
		return stepwise.ErrWorkflowNotFound(workflowID)
	}

	handler, ok := e.registry.Lookup(runData.Handler)
	if !ok {
		return stepwise.ErrHandlerNotFound(runData.Handler)
	}

	logger := stepwise.WorkflowLogger(e.cfg.Logger, workflowID, runData.Handler)
	stepwise.LogClaimed(logger, workflowID, runData.Handler, runData.Failures)

	wfCtx := stepwise.NewContext(ctx, workflowID, e.store, e.cfg.Clock, e.cfg.Delay, e.cfg.TimeoutInterval, logger)

	start := e.cfg.Clock.Now()
	handlerErr := invoke(handler, wfCtx, runData.Input)

	if handlerErr == nil {
		if err := e.store.SetAsFinished(ctx, workflowID); err != nil {
			return fmt.Errorf("engine: set as finished: %w", err)
		}
		stepwise.LogFinished(logger, workflowID, e.cfg.Clock.Now().Sub(start))
		return nil
	}

	return e.finalizeFailure(ctx, logger, workflowID, runData.Failures, handlerErr)
}

// finalizeFailure implements run procedure step 5: translate a handler
// error into a failed or aborted status, never propagating the handler's
// error itself — the caller (Supervisor) only ever sees a StoreError here.
func (e *Engine) finalizeFailure(ctx context.Context, logger zerolog.Logger, workflowID string, failures int, handlerErr error) error {
	failures++

	status := stepwise.StatusFailed
	if failures >= e.cfg.MaxFailures {
		status = stepwise.StatusAborted
	}

	timeoutAt := e.cfg.Clock.Now().Add(e.cfg.RetryInterval)
	lastError := handlerErr.Error()

	if err := e.store.UpdateStatus(ctx, workflowID, status, timeoutAt, failures, lastError); err != nil {
		return fmt.Errorf("engine: update status: %w", err)
	}

	if status == stepwise.StatusAborted {
		stepwise.LogAborted(logger, workflowID, handlerErr, failures)
	} else {
		stepwise.LogFailed(logger, workflowID, handlerErr, failures, e.cfg.MaxFailures)
	}

	return nil
}

// invoke recovers a panicking handler into an error so that a programmer
// mistake in user code degrades to a retry instead of taking down the
// Supervisor's dispatch goroutine.
func invoke(handler stepwise.HandlerFunc, ctx *stepwise.Context, input json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, input)
}
