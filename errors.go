package stepwise

import (
	"fmt"
	"time"
)

// Error codes for the conditions the core itself detects. Errors returned
// by user handler code never surface through these: they are absorbed into
// workflow status by the run engine instead (spec §7, HandlerError).
const (
	ErrCodeWorkflowNotFound = "WORKFLOW_NOT_FOUND"
	ErrCodeHandlerNotFound  = "HANDLER_NOT_FOUND"
	ErrCodeStore            = "STORE_ERROR"
)

// CoreError is the typed error returned by Engine.Run and the Context
// primitives for conditions the core detects directly, as opposed to an
// error surfacing from a Store call (wrapped, not typed, see wrapStoreError)
// or from user handler code (never returned as a Go error at all).
type CoreError struct {
	Code      string
	Message   string
	Timestamp time.Time
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func newCoreError(code, format string, args ...interface{}) *CoreError {
	return &CoreError{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
	}
}

// ErrWorkflowNotFound is returned by Engine.Run when claim handed back a
// workflow id that findRunData can no longer resolve. Per spec §4.4 step 1
// this is a corruption case: claim just returned the id.
func ErrWorkflowNotFound(workflowID string) error {
	return newCoreError(ErrCodeWorkflowNotFound, "workflow %q not found", workflowID)
}

// ErrHandlerNotFound is returned by Engine.Run when the workflow's handler
// name has no registered entry.
func ErrHandlerNotFound(handler string) error {
	return newCoreError(ErrCodeHandlerNotFound, "handler %q not registered", handler)
}

// IsWorkflowNotFound reports whether err is an ErrWorkflowNotFound.
func IsWorkflowNotFound(err error) bool {
	return hasCode(err, ErrCodeWorkflowNotFound)
}

// IsHandlerNotFound reports whether err is an ErrHandlerNotFound.
func IsHandlerNotFound(err error) bool {
	return hasCode(err, ErrCodeHandlerNotFound)
}

func hasCode(err error, code string) bool {
	ce, ok := err.(*CoreError)
	return ok && ce.Code == code
}

// wrapStoreError tags an error returned by a Store call with the operation
// that produced it. The wrapped error propagates out of the current
// primitive; it has no type of its own, so once a handler returns it,
// Engine.Run records it as a handler failure like any other handler error.
func wrapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
