package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/kv"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/queue"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/throttle"
)

type fakeProcessor struct {
	mu  sync.Mutex
	got []int64
}

func (f *fakeProcessor) ProcessTask(ctx context.Context, taskID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, taskID)
	return nil
}

func (f *fakeProcessor) seen() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.got))
	copy(out, f.got)
	return out
}

func newTestWorker(t *testing.T, proc TaskProcessor) (*Worker, *queue.Queue, *kv.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	kvc := kv.New(kv.Config{Addr: mr.Addr()})
	q := queue.New(kvc)
	th := throttle.New(kvc, nil, nil)
	w := New("openai", kvc, q, th, proc, nil, WithPopTimeout(20*time.Millisecond))
	return w, q, kvc
}

func TestRunProcessesPoppedTask(t *testing.T) {
	proc := &fakeProcessor{}
	w, q, _ := newTestWorker(t, proc)

	ctx := context.Background()
	require.NoError(t, q.EnqueueToMain(ctx, 77, "openai"))
	_, err := q.LoadNextBatch(ctx, "openai", 5)
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_ = w.Run(runCtx)

	require.Contains(t, proc.seen(), int64(77))
}

func TestRunSkipsWhileSuspended(t *testing.T) {
	var calls int32
	proc := TaskProcessorFunc(func(ctx context.Context, taskID int64) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	w, q, kvc := newTestWorker(t, proc)

	ctx := context.Background()
	require.NoError(t, q.EnqueueToMain(ctx, 1, "openai"))
	_, err := q.LoadNextBatch(ctx, "openai", 5)
	require.NoError(t, err)
	require.NoError(t, kvc.Set(ctx, "ai:provider:suspend:openai", "1", time.Minute))

	runCtx, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	_ = w.Run(runCtx)

	require.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestHeartbeatWrittenDuringProcessingAndClearedAfter(t *testing.T) {
	var (
		w             *Worker
		kvc           *kv.Client
		existedDuring bool
	)
	proc := TaskProcessorFunc(func(ctx context.Context, taskID int64) error {
		exists, err := kvc.Exists(ctx, w.heartbeatKey())
		existedDuring = err == nil && exists
		return nil
	})
	w, q, kvc := newTestWorker(t, proc)
	ctx := context.Background()

	require.NoError(t, q.EnqueueToMain(ctx, 5, "openai"))
	_, err := q.LoadNextBatch(ctx, "openai", 5)
	require.NoError(t, err)

	item, ok, err := q.BRPopActive(ctx, "openai", 0)
	require.NoError(t, err)
	require.True(t, ok)

	w.processTask(ctx, item.TaskID)
	require.True(t, existedDuring, "heartbeat should exist while the task is being processed")

	exists, err := kvc.Exists(ctx, w.heartbeatKey())
	require.NoError(t, err)
	require.False(t, exists, "heartbeat should be cleared once processing finishes")
}

// TaskProcessorFunc adapts a function to TaskProcessor for tests.
type TaskProcessorFunc func(ctx context.Context, taskID int64) error

func (f TaskProcessorFunc) ProcessTask(ctx context.Context, taskID int64) error {
	return f(ctx, taskID)
}
