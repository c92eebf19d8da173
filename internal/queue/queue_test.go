package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/kv"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	kvc := kv.New(kv.Config{Addr: mr.Addr()})
	t.Cleanup(func() { kvc.Close() })
	return New(kvc)
}

func TestEnqueueAndLoadNextBatch(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	for i := int64(1); i <= 15; i++ {
		require.NoError(t, q.EnqueueToMain(ctx, i, "OpenAI"))
	}

	moved, err := q.LoadNextBatch(ctx, "openai", 10)
	require.NoError(t, err)
	require.Equal(t, int64(10), moved)

	active, err := q.ActiveLen(ctx, "openai")
	require.NoError(t, err)
	require.Equal(t, int64(10), active)

	main, err := q.MainLen(ctx, "openai")
	require.NoError(t, err)
	require.Equal(t, int64(5), main)
}

func TestLoadNextBatchEmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	moved, err := q.LoadNextBatch(ctx, "openai", 10)
	require.NoError(t, err)
	require.Equal(t, int64(0), moved)
}

func TestBRPopActiveReturnsItem(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.EnqueueToMain(ctx, 42, "claude"))
	_, err := q.LoadNextBatch(ctx, "claude", 10)
	require.NoError(t, err)

	item, ok, err := q.BRPopActive(ctx, "claude", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), item.TaskID)
	require.Equal(t, "claude", item.Provider)
}

func TestBRPopActiveTimesOut(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, ok, err := q.BRPopActive(ctx, "claude", 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEmptyProviderDefaultsToRules(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.EnqueueToMain(ctx, 1, ""))
	n, err := q.MainLen(ctx, "rules")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestPurgeQueue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.EnqueueToMain(ctx, 1, "openai"))
	require.NoError(t, q.EnqueueToMain(ctx, 2, "openai"))
	_, err := q.LoadNextBatch(ctx, "openai", 1)
	require.NoError(t, err)

	purged, err := q.PurgeQueue(ctx, "openai")
	require.NoError(t, err)
	require.Equal(t, int64(2), purged)

	main, _ := q.MainLen(ctx, "openai")
	active, _ := q.ActiveLen(ctx, "openai")
	require.Equal(t, int64(0), main)
	require.Equal(t, int64(0), active)
}

func TestActiveProviders(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.EnqueueToMain(ctx, 1, "openai"))
	require.NoError(t, q.EnqueueToMain(ctx, 2, "claude"))

	providers, err := q.ActiveProviders(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"openai", "claude"}, providers)
}

func TestReassignShortestStrategy(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, q.EnqueueToMain(ctx, i, "openai"))
	}
	// claude already has one task queued, so the shortest strategy
	// should favor grok for the first move.
	require.NoError(t, q.EnqueueToMain(ctx, 100, "claude"))

	res, err := q.Reassign(ctx, "openai", []string{"claude", "grok"}, 0, StrategyShortest)
	require.NoError(t, err)
	require.Equal(t, int64(5), res.Moved)
	require.Equal(t, int64(0), res.SourceLeft)
	require.Greater(t, res.PerTarget["grok"], res.PerTarget["claude"])
}

func TestReassignExcludesSourceAndRules(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.EnqueueToMain(ctx, 1, "openai"))
	require.NoError(t, q.EnqueueToMain(ctx, 2, "openai"))

	res, err := q.Reassign(ctx, "openai", []string{"openai", "rules", "claude"}, 0, StrategyRoundRobin)
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Moved)
	require.Equal(t, int64(2), res.PerTarget["claude"])
	_, hasRules := res.PerTarget["rules"]
	require.False(t, hasRules)
}

func TestReassignFallsBackWhenOnlyRulesAvailable(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	require.NoError(t, q.EnqueueToMain(ctx, 1, "openai"))

	res, err := q.Reassign(ctx, "openai", []string{"rules"}, 0, StrategyRoundRobin)
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Moved)
	require.Equal(t, int64(1), res.PerTarget["rules"])
}

func TestReassignRespectsMaxItems(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, q.EnqueueToMain(ctx, i, "openai"))
	}

	res, err := q.Reassign(ctx, "openai", []string{"claude"}, 3, StrategyRoundRobin)
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Moved)
	require.Equal(t, int64(2), res.SourceLeft)
}
