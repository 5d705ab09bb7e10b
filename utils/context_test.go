package utils_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linea-world-id/state-bridge-relayer/utils"
)

func TestContextSleep(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dur := 10 * time.Millisecond

	st := time.Now()
	require.True(t, utils.ContextSleep(ctx, dur))
	require.GreaterOrEqual(t, time.Since(st), dur)
}

func TestContextSleepCancel(t *testing.T) {
	t.Parallel()

	dur := 10 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), dur)
	defer cancel()

	st := time.Now()
	require.False(t, utils.ContextSleep(ctx, dur*30))
	require.Less(t, time.Since(st), dur*20)
}

func TestContextSleepZero(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, utils.ContextSleep(ctx, 0))
	cancel()
	require.False(t, utils.ContextSleep(ctx, 0))
}

func TestWithDrain(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := utils.WithDrain(parent, 50*time.Millisecond)
	defer cancel()

	cancelParent()
	require.True(t, utils.ContextSleep(ctx, 10*time.Millisecond))
	require.Eventually(t, func() bool {
		return ctx.Err() != nil
	}, time.Second, 5*time.Millisecond)
}

func TestWithDrainCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := utils.WithDrain(context.Background(), time.Hour)
	require.NoError(t, ctx.Err())
	cancel()
	require.ErrorIs(t, ctx.Err(), context.Canceled)
}
