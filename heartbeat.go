package stepwise

import (
	"math/rand"
	"time"

	"github.com/stepwise/stepwise/internal/backoff"
)

// Heartbeat extends a workflow's lease periodically while a long-running
// step is in flight, so a handler that legitimately runs longer than the
// configured timeout interval does not get reclaimed out from under itself.
// It launches a goroutine that wakes up roughly every `every` (jittered by
// backoff.Delay to avoid every in-flight heartbeat refreshing in lockstep)
// and pushes the workflow's timeoutAt forward by `every`. The goroutine
// exits when ctx is done; callers defer the returned stop function next to
// the step they are protecting.
//
// Heartbeat does not alter the persistence contract: it refreshes the lease
// the same way any other write would, via UpdateStatus on the current status
// and failure count.
func Heartbeat(ctx *Context, every time.Duration) (stop func()) {
	done := make(chan struct{})

	go func() {
		failures := 0
		if data, ok, err := ctx.store.FindRunData(ctx.Context, ctx.workflowID); err == nil && ok {
			failures = data.Failures
		}

		jitter := backoff.Delay(every/20, 1+rand.Intn(3), backoff.Linear)

		timer := time.NewTimer(every + jitter)
		defer timer.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Context.Done():
				return
			case <-timer.C:
				timeoutAt := ctx.clock.Now().Add(every)
				_ = ctx.store.UpdateStatus(ctx.Context, ctx.workflowID, StatusRunning, timeoutAt, failures, "")
				timer.Reset(every)
			}
		}
	}()

	return func() {
		select {
		case <-done:
		default:
			close(done)
		}
	}
}
