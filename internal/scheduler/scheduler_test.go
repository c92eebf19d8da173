package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/kv"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/queue"
)

func newTestScheduler(t *testing.T) (*Scheduler, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	kvc := kv.New(kv.Config{Addr: mr.Addr()})
	q := queue.New(kvc)
	return New(kvc, q, 20*time.Millisecond, 5, nil), q
}

func TestTickLoadsBatchForIdleActiveQueue(t *testing.T) {
	s, q := newTestScheduler(t)
	ctx := context.Background()

	for i := int64(1); i <= 8; i++ {
		require.NoError(t, q.EnqueueToMain(ctx, i, "openai"))
	}

	require.NoError(t, s.tick(ctx))

	active, err := q.ActiveLen(ctx, "openai")
	require.NoError(t, err)
	require.Equal(t, int64(5), active)

	main, err := q.MainLen(ctx, "openai")
	require.NoError(t, err)
	require.Equal(t, int64(3), main)
}

func TestTickSkipsProviderWithNonEmptyActiveBatch(t *testing.T) {
	s, q := newTestScheduler(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, q.EnqueueToMain(ctx, i, "claude"))
	}
	_, err := q.LoadNextBatch(ctx, "claude", 5)
	require.NoError(t, err)

	require.NoError(t, q.EnqueueToMain(ctx, 99, "claude"))

	require.NoError(t, s.tick(ctx))

	main, err := q.MainLen(ctx, "claude")
	require.NoError(t, err)
	require.Equal(t, int64(1), main, "main queue item should stay put since active batch wasn't empty")
}

func TestRunWritesStatus(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_ = s.Run(ctx)

	fields, err := s.kv.HGetAll(context.Background(), statusKey)
	require.NoError(t, err)
	require.Equal(t, "true", fields["running"])
}
