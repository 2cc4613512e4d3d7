package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// admits reports whether a request to source may proceed without waiting.
// rate.Limiter fails Wait at once when the reservation would outlive the deadline.
func admits(l *Limiter, source string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	return l.Wait(ctx, source) == nil
}

func TestLimiter_UnknownSourceIsUnlimited(t *testing.T) {
	l := New(nil)
	for i := 0; i < 100; i++ {
		require.True(t, admits(l, "live-equity"))
	}
}

func TestLimiter_NilIsUnlimited(t *testing.T) {
	var l *Limiter
	assert.True(t, admits(l, "x"))
}

func TestLimiter_Burst(t *testing.T) {
	l := New(map[string]Limit{
		"mf-nav": {PerSecond: 0.001, Burst: 2},
	})

	assert.True(t, admits(l, "mf-nav"))
	assert.True(t, admits(l, "mf-nav"))
	assert.False(t, admits(l, "mf-nav"), "third request should exceed the burst")
	assert.True(t, admits(l, "live-equity"), "other sources are independent")
}

func TestLimiter_WaitHonoursCancellation(t *testing.T) {
	l := New(map[string]Limit{
		"historical-equity": {PerSecond: 0.001, Burst: 1},
	})
	require.NoError(t, l.Wait(context.Background(), "historical-equity"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, l.Wait(ctx, "historical-equity"))
}

func TestLimiter_SetReplacesLimit(t *testing.T) {
	l := New(map[string]Limit{
		"live-equity": {PerSecond: 0.001, Burst: 1},
	})
	require.True(t, admits(l, "live-equity"))
	require.False(t, admits(l, "live-equity"))

	l.Set("live-equity", Limit{PerSecond: 0.001, Burst: 3})
	assert.True(t, admits(l, "live-equity"))
}

func TestLimiter_ZeroRateIsUnlimited(t *testing.T) {
	l := New(map[string]Limit{"live-equity": {}})
	for i := 0; i < 50; i++ {
		require.True(t, admits(l, "live-equity"))
	}
}
