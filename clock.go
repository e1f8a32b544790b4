package stepwise

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// Clock is the injectable time source of spec §4.1: now() returns the
// current absolute time. Production code uses RealClock; tests drive a
// k8s.io/utils/clock/testing.FakePassiveClock or FakeClock instead, the
// same injection point luno-workflow's timeout poller uses.
type Clock = clock.PassiveClock

// RealClock is the production Clock, backed by the actual wall clock.
var RealClock Clock = clock.RealClock{}

// Delayer is the second capability of spec §4.1: delay(d) suspends the
// caller for d and then returns. It is the only suspension point the core
// introduces itself; every other suspension is a store call. Delay must
// respect ctx cancellation so a worker shutting down is not held up by its
// idle poll delay.
type Delayer interface {
	Delay(ctx context.Context, d time.Duration) error
}

// realDelayer sleeps against the wall clock via time.After, honoring
// context cancellation.
type realDelayer struct{}

// RealDelayer is the production Delayer.
var RealDelayer Delayer = realDelayer{}

func (realDelayer) Delay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
