package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRunsImmediately(t *testing.T) {
	s := NewCronScheduler(time.Hour, nil)
	var runs atomic.Int32

	require.NoError(t, s.Start(context.Background(), func(time.Time) { runs.Add(1) }))
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	assert.NoError(t, s.Stop(context.Background()), "second stop is a no-op")
}

func TestRunsNeverOverlap(t *testing.T) {
	s := NewCronScheduler(time.Second, nil)
	var (
		active  atomic.Int32
		overlap atomic.Bool
		runs    atomic.Int32
	)

	require.NoError(t, s.Start(context.Background(), func(time.Time) {
		if active.Add(1) > 1 {
			overlap.Store(true)
		}
		runs.Add(1)
		time.Sleep(1500 * time.Millisecond)
		active.Add(-1)
	}))

	time.Sleep(2500 * time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	assert.False(t, overlap.Load())
	assert.GreaterOrEqual(t, runs.Load(), int32(1))
	assert.Equal(t, int32(0), active.Load(), "stop waits for the running job")
}

func TestStopOnContextCancel(t *testing.T) {
	s := NewCronScheduler(time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, s.Start(ctx, func(time.Time) {}))
	cancel()

	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.cron == nil
	}, time.Second, 5*time.Millisecond)
}

func TestStartNilJob(t *testing.T) {
	s := NewCronScheduler(time.Minute, nil)
	assert.NoError(t, s.Start(context.Background(), nil))
	assert.NoError(t, s.Stop(context.Background()))
}
