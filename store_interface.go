package stepwise

import (
	"context"
	"encoding/json"
	"time"
)

// RunData is the subset of a workflow record the run engine needs to
// dispatch a claimed workflow: the handler to invoke, its input, and how
// many times it has already failed.
type RunData struct {
	Handler  string
	Input    json.RawMessage
	Failures int
}

// Store is the persistence contract of spec §4.2, exposed verbatim to the
// core. Implementations may be backed by any store that can provide the
// stated atomicity; the core never interprets input/output/nap values,
// treating them as opaque JSON.
//
// Claim is the only operation that requires compare-and-set semantics: it
// atomically selects one ready workflow (idle, or running/failed with an
// expired timeoutAt) and leases it to the caller. All other writes are made
// by the current lease holder and need no cross-worker condition.
type Store interface {
	// Insert creates an idle workflow. It returns (true, nil) on success
	// and (false, nil) if id already exists; any other failure is a
	// StoreError and propagates.
	Insert(ctx context.Context, id, handler string, input json.RawMessage) (bool, error)

	// Claim atomically selects one ready workflow, sets its status to
	// running and its timeoutAt to the given value, and returns its id.
	// ok is false if no workflow was ready to claim.
	Claim(ctx context.Context, now, timeoutAt time.Time) (id string, ok bool, err error)

	// FindOutput returns the recorded output of (workflowID, stepID), or
	// ok == false if no such step record exists yet.
	FindOutput(ctx context.Context, workflowID, stepID string) (output json.RawMessage, ok bool, err error)

	// FindWakeUpAt returns the recorded wake time of (workflowID, napID),
	// or ok == false if no such nap record exists yet.
	FindWakeUpAt(ctx context.Context, workflowID, napID string) (wakeUpAt time.Time, ok bool, err error)

	// FindRunData returns the handler, input and failure count of a
	// workflow, or ok == false if the workflow id is unknown.
	FindRunData(ctx context.Context, workflowID string) (RunData, bool, error)

	// SetAsFinished transitions a workflow to the terminal finished state.
	// Implementations must allow this to be called at most meaningfully
	// once; later calls are no-ops or errors, but finished never reverts.
	SetAsFinished(ctx context.Context, workflowID string) error

	// FindStatus returns the current status of a workflow, or ok == false
	// if the workflow id is unknown.
	FindStatus(ctx context.Context, workflowID string) (Status, bool, error)

	// UpdateStatus writes status, timeoutAt, failures and lastError
	// together, atomically with respect to the current lease holder.
	UpdateStatus(ctx context.Context, workflowID string, status Status, timeoutAt time.Time, failures int, lastError string) error

	// UpdateOutput creates the step record (workflowID, stepID) with the
	// given output and pushes timeoutAt forward, in one unit.
	UpdateOutput(ctx context.Context, workflowID, stepID string, output json.RawMessage, timeoutAt time.Time) error

	// UpdateWakeUpAt creates the nap record (workflowID, napID) with the
	// given wake time and sets timeoutAt, in one unit.
	UpdateWakeUpAt(ctx context.Context, workflowID, napID string, wakeUpAt, timeoutAt time.Time) error
}
