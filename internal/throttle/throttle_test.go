package throttle

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/kv"
)

type fakeRates struct{ secs int }

func (f fakeRates) RateLimitSeconds(ctx context.Context, provider string) (int, error) {
	return f.secs, nil
}

func newTestThrottle(t *testing.T, rates RateLimitSource) *Throttle {
	t.Helper()
	mr := miniredis.RunT(t)
	kvc := kv.New(kv.Config{Addr: mr.Addr()})
	t.Cleanup(func() { kvc.Close() })
	return New(kvc, rates, nil)
}

func TestIncrementFailureSuspendsAtThreshold(t *testing.T) {
	ctx := context.Background()
	th := newTestThrottle(t, fakeRates{secs: 0})

	var suspended []string
	th.SetSuspendHook(func(ctx context.Context, provider string) (int64, error) {
		suspended = append(suspended, provider)
		return 2, nil
	})

	for i := 0; i < MaxConsecutiveFailures-1; i++ {
		count, isSuspended := th.IncrementFailure(ctx, "openai")
		require.False(t, isSuspended)
		require.Equal(t, i+1, count)
	}

	count, isSuspended := th.IncrementFailure(ctx, "openai")
	require.True(t, isSuspended)
	require.Equal(t, 0, count)
	require.True(t, th.IsSuspended(ctx, "openai"))
	require.Equal(t, []string{"openai"}, suspended)
}

func TestIncrementFailureResetsOnSuccess(t *testing.T) {
	ctx := context.Background()
	th := newTestThrottle(t, fakeRates{secs: 0})

	th.IncrementFailure(ctx, "claude")
	th.IncrementFailure(ctx, "claude")
	th.ResetFailures(ctx, "claude")
	require.Equal(t, 0, th.FailureCount(ctx, "claude"))
}

func TestClearSuspension(t *testing.T) {
	ctx := context.Background()
	th := newTestThrottle(t, fakeRates{secs: 0})

	th.SuspendManually(ctx, "grok", SuspendDuration)
	require.True(t, th.IsSuspended(ctx, "grok"))

	th.ClearSuspension(ctx, "grok")
	require.False(t, th.IsSuspended(ctx, "grok"))
}

func TestRateLimitSecondsFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	th := newTestThrottle(t, nil)
	require.Equal(t, DefaultRateLimitSecs, th.RateLimitSeconds(ctx, "openai"))
}

func TestShouldWaitForRateLimit(t *testing.T) {
	ctx := context.Background()
	th := newTestThrottle(t, fakeRates{secs: 10})

	wait, _ := th.ShouldWaitForRateLimit(ctx, "openai")
	require.False(t, wait, "no prior request recorded yet")

	th.RecordRequestTime(ctx, "openai")
	wait, d := th.ShouldWaitForRateLimit(ctx, "openai")
	require.True(t, wait)
	require.Greater(t, d.Seconds(), 0.0)
}

func TestShouldWaitForRateLimitDisabled(t *testing.T) {
	ctx := context.Background()
	th := newTestThrottle(t, fakeRates{secs: 0})

	th.RecordRequestTime(ctx, "openai")
	wait, _ := th.ShouldWaitForRateLimit(ctx, "openai")
	require.False(t, wait)
}

func TestIsSuspendedFalseForEmptyProvider(t *testing.T) {
	ctx := context.Background()
	th := newTestThrottle(t, fakeRates{secs: 0})
	require.False(t, th.IsSuspended(ctx, ""))
}

func TestTryAcquirePermitGrantsExactlyOneAmongConcurrentCallers(t *testing.T) {
	ctx := context.Background()
	th := newTestThrottle(t, fakeRates{secs: 60})

	const callers = 8
	granted := 0
	for i := 0; i < callers; i++ {
		ok, _, err := th.tryAcquirePermit(ctx, "openai")
		require.NoError(t, err)
		if ok {
			granted++
		}
	}
	require.Equal(t, 1, granted, "exactly one of K calls within the interval should be granted a permit")
}

func TestTryAcquirePermitDisabledAlwaysGrants(t *testing.T) {
	ctx := context.Background()
	th := newTestThrottle(t, fakeRates{secs: 0})

	for i := 0; i < 3; i++ {
		ok, _, err := th.tryAcquirePermit(ctx, "openai")
		require.NoError(t, err)
		require.True(t, ok)
	}
}
