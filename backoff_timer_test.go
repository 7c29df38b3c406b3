package nsq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffTimerStartsReset(t *testing.T) {
	b := NewBackoffTimer(0, 128*time.Second)
	require.True(t, b.IsReset())
	require.Equal(t, time.Duration(0), b.GetInterval())
}

func TestBackoffTimerFailureIncreasesInterval(t *testing.T) {
	b := NewBackoffTimer(0, 128*time.Second)

	var last time.Duration
	for i := 0; i < 5; i++ {
		b.Failure()
		interval := b.GetInterval()
		require.True(t, interval >= last, "interval should never decrease on repeated failures")
		last = interval
	}
	require.False(t, b.IsReset())
}

func TestBackoffTimerSuccessRecoversToReset(t *testing.T) {
	b := NewBackoffTimer(0, 128*time.Second)

	for i := 0; i < 20; i++ {
		b.Failure()
	}
	require.False(t, b.IsReset())

	// success() must be able to fully unwind an equal number of failures
	for i := 0; i < 20; i++ {
		b.Success()
	}
	require.True(t, b.IsReset())
	require.Equal(t, time.Duration(0), b.GetInterval())
}

func TestBackoffTimerRespectsMinInterval(t *testing.T) {
	b := NewBackoffTimer(time.Second, 128*time.Second)
	require.Equal(t, time.Second, b.GetInterval())
}

func TestBackoffTimerNeverExceedsMax(t *testing.T) {
	b := NewBackoffTimer(0, 10*time.Second)
	for i := 0; i < 10000; i++ {
		b.Failure()
	}
	require.LessOrEqual(t, b.GetInterval(), 10*time.Second)
}
