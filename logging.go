package stepwise

import (
	"time"

	"github.com/rs/zerolog"
)

// Log event names, emitted by the engine and worker at the points the
// run procedure and poll loop cross a state transition.
const (
	EventWorkflowClaimed  = "workflow_claimed"
	EventWorkflowRunning  = "workflow_running"
	EventWorkflowFinished = "workflow_finished"
	EventWorkflowFailed   = "workflow_failed"
	EventWorkflowAborted  = "workflow_aborted"
	EventStepRecorded     = "step_recorded"
	EventStepReplayed     = "step_replayed"
	EventNapRecorded      = "nap_recorded"
	EventNapReplayed      = "nap_replayed"
	EventWorkflowStarted  = "workflow_started"
	EventPollEmpty        = "poll_empty"
	EventPersistenceError = "persistence_error"
)

// LogClaimed logs a successful claim, before the handler is invoked.
func LogClaimed(logger zerolog.Logger, workflowID, handler string, failures int) {
	logger.Info().
		Str("event", EventWorkflowClaimed).
		Str("workflow_id", workflowID).
		Str("handler", handler).
		Int("failures", failures).
		Msg("workflow claimed")
}

// LogFinished logs a workflow's transition to the finished terminal state.
func LogFinished(logger zerolog.Logger, workflowID string, duration time.Duration) {
	logger.Info().
		Str("event", EventWorkflowFinished).
		Str("workflow_id", workflowID).
		Dur("duration", duration).
		Msg("workflow finished")
}

// LogFailed logs a workflow transitioning to failed after a handler error,
// with the failure count it now carries.
func LogFailed(logger zerolog.Logger, workflowID string, err error, failures, maxFailures int) {
	logger.Warn().
		Str("event", EventWorkflowFailed).
		Str("workflow_id", workflowID).
		Err(err).
		Int("failures", failures).
		Int("max_failures", maxFailures).
		Msg("workflow failed")
}

// LogAborted logs a workflow exhausting its retry budget.
func LogAborted(logger zerolog.Logger, workflowID string, err error, failures int) {
	logger.Error().
		Str("event", EventWorkflowAborted).
		Str("workflow_id", workflowID).
		Err(err).
		Int("failures", failures).
		Msg("workflow aborted")
}

// LogStepRecorded logs a step's output being persisted for the first time.
func LogStepRecorded(logger zerolog.Logger, stepID string) {
	logger.Debug().
		Str("event", EventStepRecorded).
		Str("step_id", stepID).
		Msg("step output recorded")
}

// LogStepReplayed logs a step returning a previously-recorded output without
// invoking its function.
func LogStepReplayed(logger zerolog.Logger, stepID string) {
	logger.Debug().
		Str("event", EventStepReplayed).
		Str("step_id", stepID).
		Msg("step output replayed")
}

// LogNapRecorded logs a sleep's wake time being persisted for the first time.
func LogNapRecorded(logger zerolog.Logger, napID string, wakeUpAt time.Time) {
	logger.Debug().
		Str("event", EventNapRecorded).
		Str("nap_id", napID).
		Time("wake_up_at", wakeUpAt).
		Msg("nap recorded")
}

// LogNapReplayed logs a sleep resuming against a previously-recorded wake
// time instead of restarting its delay.
func LogNapReplayed(logger zerolog.Logger, napID string, remaining time.Duration) {
	logger.Debug().
		Str("event", EventNapReplayed).
		Str("nap_id", napID).
		Dur("remaining", remaining).
		Msg("nap replayed")
}

// LogStarted logs a new workflow being inserted, whether from the client
// package or from inside a running handler via Context.Start.
func LogStarted(logger zerolog.Logger, workflowID, handler string, ok bool) {
	logger.Info().
		Str("event", EventWorkflowStarted).
		Str("workflow_id", workflowID).
		Str("handler", handler).
		Bool("created", ok).
		Msg("workflow start requested")
}

// LogPollEmpty logs a poll cycle that found nothing ready to claim.
func LogPollEmpty(logger zerolog.Logger) {
	logger.Debug().
		Str("event", EventPollEmpty).
		Msg("poll found no ready workflow")
}

// LogPersistenceError logs a Store call failing.
func LogPersistenceError(logger zerolog.Logger, workflowID, op string, err error) {
	logger.Error().
		Str("event", EventPersistenceError).
		Str("workflow_id", workflowID).
		Str("op", op).
		Err(err).
		Msg("store operation failed")
}

// WorkflowLogger enriches baseLogger with the identity of a single workflow,
// the way Context.Logger does internally.
func WorkflowLogger(baseLogger zerolog.Logger, workflowID, handler string) zerolog.Logger {
	return baseLogger.With().
		Str("workflow_id", workflowID).
		Str("handler", handler).
		Logger()
}
