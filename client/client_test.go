package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepwise/stepwise"
	"github.com/stepwise/stepwise/store/memory"
)

func TestStart_ReturnsFalseOnDuplicateID(t *testing.T) {
	st := memory.New()
	c := New(st)
	ctx := context.Background()

	ok, err := c.Start(ctx, "W", "h", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Start(ctx, "W", "h2", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	data, _, _ := st.FindRunData(ctx, "W")
	assert.Equal(t, "h", data.Handler)
}

func TestWait_ZeroTimesReturnsImmediately(t *testing.T) {
	st := memory.New()
	c := New(st)
	ctx := context.Background()

	_, err := c.Start(ctx, "W", "h", nil)
	require.NoError(t, err)

	status, ok, err := c.Wait(ctx, "W", []stepwise.Status{stepwise.StatusFinished}, 0, time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, stepwise.Status(""), status)
}

func TestWait_ReturnsFirstMatchingStatus(t *testing.T) {
	st := memory.New()
	c := New(st)
	ctx := context.Background()

	_, err := c.Start(ctx, "W", "h", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = st.UpdateStatus(ctx, "W", stepwise.StatusFinished, time.Now(), 0, "")
	}()

	status, ok, err := c.Wait(ctx, "W", []stepwise.Status{stepwise.StatusFinished, stepwise.StatusAborted}, 20, 5*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stepwise.StatusFinished, status)
}

func TestWait_ExhaustsBudgetWithoutMatch(t *testing.T) {
	st := memory.New()
	c := New(st)
	ctx := context.Background()

	_, err := c.Start(ctx, "W", "h", nil)
	require.NoError(t, err)

	status, ok, err := c.Wait(ctx, "W", []stepwise.Status{stepwise.StatusFinished}, 3, time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, stepwise.Status(""), status)
}
