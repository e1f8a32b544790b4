package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/stepwise/stepwise"
	"github.com/stepwise/stepwise/store/memory"
)

func newTestEngine(t *testing.T, registry *stepwise.Registry, now time.Time) (*Engine, *memory.Store, *clocktesting.FakePassiveClock) {
	t.Helper()
	st := memory.New()
	clk := clocktesting.NewFakePassiveClock(now)
	cfg := stepwise.BuildConfig(
		stepwise.WithClock(clk),
		stepwise.WithDelay(stepwise.RealDelayer),
		stepwise.WithMaxFailures(2),
		stepwise.WithTimeoutInterval(time.Minute),
		stepwise.WithRetryInterval(time.Minute),
	)
	return New(st, registry, cfg), st, clk
}

func TestRun_HappyPathTwoSteps(t *testing.T) {
	registry := stepwise.NewRegistry()
	registry.Register("h", func(ctx *stepwise.Context, input json.RawMessage) error {
		a, err := stepwise.Step(ctx, "a", func() (int, error) { return 10, nil })
		if err != nil {
			return err
		}
		b, err := stepwise.Step(ctx, "b", func() (int, error) { return a + 10, nil })
		if err != nil {
			return err
		}
		if b != 20 {
			return errors.New("unexpected total")
		}
		return nil
	})

	e, st, clk := newTestEngine(t, registry, time.Now())
	ctx := context.Background()

	ok, err := stepwise.StartWorkflow(ctx, st, "W", "h", 42)
	require.NoError(t, err)
	require.True(t, ok)

	id, claimed, err := st.Claim(ctx, clk.Now(), clk.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, "W", id)

	require.NoError(t, e.Run(ctx, "W"))

	status, ok, err := st.FindStatus(ctx, "W")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stepwise.StatusFinished, status)

	outA, ok, _ := st.FindOutput(ctx, "W", "a")
	require.True(t, ok)
	assert.JSONEq(t, "10", string(outA))

	outB, ok, _ := st.FindOutput(ctx, "W", "b")
	require.True(t, ok)
	assert.JSONEq(t, "20", string(outB))
}

func TestRun_StepIsNotReinvokedOnReplay(t *testing.T) {
	calls := 0
	registry := stepwise.NewRegistry()
	registry.Register("h", func(ctx *stepwise.Context, input json.RawMessage) error {
		_, err := stepwise.Step(ctx, "a", func() (int, error) {
			calls++
			return 10, nil
		})
		return err
	})

	e, st, clk := newTestEngine(t, registry, time.Now())
	ctx := context.Background()

	_, err := stepwise.StartWorkflow(ctx, st, "W", "h", nil)
	require.NoError(t, err)

	_, _, _ = st.Claim(ctx, clk.Now(), clk.Now().Add(time.Minute))
	require.NoError(t, e.Run(ctx, "W"))
	require.Equal(t, 1, calls)

	// Simulate a second run attempt against the same, already-finished
	// workflow: the step function must not run again.
	require.NoError(t, e.Run(ctx, "W"))
	assert.Equal(t, 1, calls)
}

func TestRun_FailureBelowMaxFailuresTransitionsToFailed(t *testing.T) {
	registry := stepwise.NewRegistry()
	registry.Register("h", func(ctx *stepwise.Context, input json.RawMessage) error {
		return errors.New("boom")
	})

	e, st, clk := newTestEngine(t, registry, time.Now())
	ctx := context.Background()

	_, err := stepwise.StartWorkflow(ctx, st, "W", "h", nil)
	require.NoError(t, err)
	_, _, _ = st.Claim(ctx, clk.Now(), clk.Now().Add(time.Minute))

	require.NoError(t, e.Run(ctx, "W"))

	status, _, _ := st.FindStatus(ctx, "W")
	assert.Equal(t, stepwise.StatusFailed, status)

	data, _, _ := st.FindRunData(ctx, "W")
	assert.Equal(t, 1, data.Failures)
}

func TestRun_FailureAtMaxFailuresAborts(t *testing.T) {
	registry := stepwise.NewRegistry()
	registry.Register("h", func(ctx *stepwise.Context, input json.RawMessage) error {
		return errors.New("boom")
	})

	e, st, clk := newTestEngine(t, registry, time.Now())
	ctx := context.Background()

	_, err := stepwise.StartWorkflow(ctx, st, "W", "h", nil)
	require.NoError(t, err)

	// First attempt: failed.
	_, _, _ = st.Claim(ctx, clk.Now(), clk.Now().Add(time.Minute))
	require.NoError(t, e.Run(ctx, "W"))

	// Lease expires; second attempt aborts (MaxFailures=2).
	clk.SetTime(clk.Now().Add(2 * time.Minute))
	_, claimed, _ := st.Claim(ctx, clk.Now(), clk.Now().Add(time.Minute))
	require.True(t, claimed)
	require.NoError(t, e.Run(ctx, "W"))

	status, _, _ := st.FindStatus(ctx, "W")
	assert.Equal(t, stepwise.StatusAborted, status)

	// Never re-claimable thereafter.
	clk.SetTime(clk.Now().Add(2 * time.Minute))
	_, claimed, _ = st.Claim(ctx, clk.Now(), clk.Now().Add(time.Minute))
	assert.False(t, claimed)
}

func TestRun_UnknownWorkflowReturnsWorkflowNotFound(t *testing.T) {
	e, _, _ := newTestEngine(t, stepwise.NewRegistry(), time.Now())
	err := e.Run(context.Background(), "missing")
	assert.True(t, stepwise.IsWorkflowNotFound(err))
}

func TestRun_UnknownHandlerReturnsHandlerNotFound(t *testing.T) {
	e, st, clk := newTestEngine(t, stepwise.NewRegistry(), time.Now())
	ctx := context.Background()

	_, err := stepwise.StartWorkflow(ctx, st, "W", "missing-handler", nil)
	require.NoError(t, err)
	_, _, _ = st.Claim(ctx, clk.Now(), clk.Now().Add(time.Minute))

	err = e.Run(ctx, "W")
	assert.True(t, stepwise.IsHandlerNotFound(err))
}
