package stepwise

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

type fakeDelayer struct {
	waited []time.Duration
}

func (f *fakeDelayer) Delay(_ context.Context, d time.Duration) error {
	f.waited = append(f.waited, d)
	return nil
}

// memStore is a tiny hand-rolled Store good enough for exercising Context in
// isolation, without importing the store/memory package (which itself
// depends on this package) — avoids an import cycle in this file's tests.
type memStore struct {
	outputs map[string]map[string]json.RawMessage
	wakeUps map[string]map[string]time.Time
	runs    map[string]*RunData
}

func newMemStore() *memStore {
	return &memStore{
		outputs: make(map[string]map[string]json.RawMessage),
		wakeUps: make(map[string]map[string]time.Time),
		runs:    make(map[string]*RunData),
	}
}

func (m *memStore) Insert(_ context.Context, id, handler string, input json.RawMessage) (bool, error) {
	if _, ok := m.runs[id]; ok {
		return false, nil
	}
	m.runs[id] = &RunData{Handler: handler, Input: input}
	m.outputs[id] = make(map[string]json.RawMessage)
	m.wakeUps[id] = make(map[string]time.Time)
	return true, nil
}
func (m *memStore) Claim(context.Context, time.Time, time.Time) (string, bool, error) {
	return "", false, nil
}
func (m *memStore) FindOutput(_ context.Context, workflowID, stepID string) (json.RawMessage, bool, error) {
	out, ok := m.outputs[workflowID][stepID]
	return out, ok, nil
}
func (m *memStore) FindWakeUpAt(_ context.Context, workflowID, napID string) (time.Time, bool, error) {
	w, ok := m.wakeUps[workflowID][napID]
	return w, ok, nil
}
func (m *memStore) FindRunData(_ context.Context, workflowID string) (RunData, bool, error) {
	r, ok := m.runs[workflowID]
	if !ok {
		return RunData{}, false, nil
	}
	return *r, true, nil
}
func (m *memStore) SetAsFinished(context.Context, string) error { return nil }
func (m *memStore) FindStatus(context.Context, string) (Status, bool, error) {
	return StatusRunning, true, nil
}
func (m *memStore) UpdateStatus(context.Context, string, Status, time.Time, int, string) error {
	return nil
}
func (m *memStore) UpdateOutput(_ context.Context, workflowID, stepID string, output json.RawMessage, _ time.Time) error {
	m.outputs[workflowID][stepID] = output
	return nil
}
func (m *memStore) UpdateWakeUpAt(_ context.Context, workflowID, napID string, wakeUpAt time.Time, _ time.Time) error {
	m.wakeUps[workflowID][napID] = wakeUpAt
	return nil
}

var _ Store = (*memStore)(nil)

func newTestContext(store Store, clk Clock, delay Delayer) *Context {
	return NewContext(context.Background(), "W", store, clk, delay, time.Minute, DefaultConfig().Logger)
}

func TestStep_RecordsOutputAndSkipsFnOnReplay(t *testing.T) {
	store := newMemStore()
	_, err := store.Insert(context.Background(), "W", "h", nil)
	require.NoError(t, err)

	clk := clocktesting.NewFakePassiveClock(time.Now())
	ctx := newTestContext(store, clk, &fakeDelayer{})

	calls := 0
	out, err := Step(ctx, "a", func() (int, error) {
		calls++
		return 10, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, out)
	assert.Equal(t, 1, calls)

	// Replay: same id, fn must not run again.
	out, err = Step(ctx, "a", func() (int, error) {
		calls++
		return 999, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, out)
	assert.Equal(t, 1, calls)
}

func TestStep_FailurePropagatesAndDoesNotPersist(t *testing.T) {
	store := newMemStore()
	_, err := store.Insert(context.Background(), "W", "h", nil)
	require.NoError(t, err)

	clk := clocktesting.NewFakePassiveClock(time.Now())
	ctx := newTestContext(store, clk, &fakeDelayer{})

	boom := errors.New("boom")
	_, err = Step(ctx, "a", func() (int, error) { return 0, boom })
	assert.Equal(t, boom, err)

	_, ok, _ := store.FindOutput(context.Background(), "W", "a")
	assert.False(t, ok, "a failed step must not leave a record")
}

func TestSleep_RecordsWakeUpAtOnceThenReplaysAsNoop(t *testing.T) {
	store := newMemStore()
	_, err := store.Insert(context.Background(), "W", "h", nil)
	require.NoError(t, err)

	now := time.Now()
	clk := clocktesting.NewFakePassiveClock(now)
	delay := &fakeDelayer{}
	ctx := newTestContext(store, clk, delay)

	require.NoError(t, ctx.Sleep("n", 10*time.Second))
	require.Len(t, delay.waited, 1)
	assert.Equal(t, 10*time.Second, delay.waited[0])

	wakeUpAt, ok, _ := store.FindWakeUpAt(context.Background(), "W", "n")
	require.True(t, ok)
	assert.Equal(t, now.Add(10*time.Second), wakeUpAt)

	// Replay after the wake time has passed: no further delay.
	clk.SetTime(now.Add(11 * time.Second))
	require.NoError(t, ctx.Sleep("n", 10*time.Second))
	assert.Len(t, delay.waited, 1, "sleep must not delay again once wakeUpAt has passed")
}

func TestSleep_ReplayBeforeWakeUpDelaysRemainder(t *testing.T) {
	store := newMemStore()
	_, err := store.Insert(context.Background(), "W", "h", nil)
	require.NoError(t, err)

	now := time.Now()
	clk := clocktesting.NewFakePassiveClock(now)
	delay := &fakeDelayer{}
	ctx := newTestContext(store, clk, delay)

	require.NoError(t, ctx.Sleep("n", 10*time.Second))

	// Crash-and-replay 3s in: only the remaining 7s should be waited.
	clk.SetTime(now.Add(3 * time.Second))
	require.NoError(t, ctx.Sleep("n", 10*time.Second))
	require.Len(t, delay.waited, 2)
	assert.Equal(t, 7*time.Second, delay.waited[1])
}

func TestContextStart_InsertsIndependentWorkflow(t *testing.T) {
	store := newMemStore()
	_, err := store.Insert(context.Background(), "W", "h", nil)
	require.NoError(t, err)

	clk := clocktesting.NewFakePassiveClock(time.Now())
	ctx := newTestContext(store, clk, &fakeDelayer{})

	ok, err := ctx.Start("child", "h2", map[string]int{"x": 1})
	require.NoError(t, err)
	assert.True(t, ok)

	data, found, err := store.FindRunData(context.Background(), "child")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "h2", data.Handler)

	ok, err = ctx.Start("child", "h3", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
