package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/kv"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/queue"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/worker"
)

type fakeHandle struct {
	provider string
	alive    bool
}

func (h *fakeHandle) Alive() bool      { return h.alive }
func (h *fakeHandle) Provider() string { return h.provider }
func (h *fakeHandle) Kill() error      { h.alive = false; return nil }

type fakeSpawner struct {
	mu      sync.Mutex
	spawned map[string]int
	handles []*fakeHandle
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{spawned: make(map[string]int)}
}

func (s *fakeSpawner) Spawn(provider string) (ProcessHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned[provider]++
	h := &fakeHandle{provider: provider, alive: true}
	s.handles = append(s.handles, h)
	return h, nil
}

func newTestGuard(t *testing.T, cfg Config, spawner ProcessSpawner) (*Guard, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	kvc := kv.New(kv.Config{Addr: mr.Addr()})
	q := queue.New(kvc)
	g := New(cfg, spawner, kvc, q, nil, nil, nil, "test-node", nil)
	return g, q
}

func TestReconcileProcessesSpawnsUpToPerProviderCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxProcessesPerProvider = 2
	cfg.MaxTotalProcesses = 10
	spawner := newFakeSpawner()
	g, q := newTestGuard(t, cfg, spawner)

	ctx := context.Background()
	require.NoError(t, q.EnqueueToMain(ctx, 1, "openai"))

	g.reconcileProcesses(ctx)

	spawner.mu.Lock()
	defer spawner.mu.Unlock()
	require.Equal(t, 2, spawner.spawned["openai"])
}

func TestReconcileProcessesRespectsTotalCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxProcessesPerProvider = 5
	cfg.MaxTotalProcesses = 3
	spawner := newFakeSpawner()
	g, q := newTestGuard(t, cfg, spawner)

	ctx := context.Background()
	require.NoError(t, q.EnqueueToMain(ctx, 1, "openai"))
	require.NoError(t, q.EnqueueToMain(ctx, 2, "claude"))

	g.reconcileProcesses(ctx)

	stats := g.Stats()
	require.Equal(t, 3, stats.TotalProcesses)
}

func TestReconcileProcessesSkipsAlreadyRunning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxProcessesPerProvider = 2
	spawner := newFakeSpawner()
	g, q := newTestGuard(t, cfg, spawner)

	ctx := context.Background()
	require.NoError(t, q.EnqueueToMain(ctx, 1, "openai"))

	g.reconcileProcesses(ctx)
	g.reconcileProcesses(ctx)

	spawner.mu.Lock()
	defer spawner.mu.Unlock()
	require.Equal(t, 2, spawner.spawned["openai"], "second tick should not spawn beyond the per-provider cap")
}

func TestReapDeadRemovesExitedHandles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxProcessesPerProvider = 1
	spawner := newFakeSpawner()
	g, q := newTestGuard(t, cfg, spawner)
	ctx := context.Background()
	require.NoError(t, q.EnqueueToMain(ctx, 1, "openai"))

	g.reconcileProcesses(ctx)
	require.Equal(t, 1, g.Stats().TotalProcesses)

	spawner.handles[0].alive = false
	g.reconcileProcesses(ctx)

	require.Equal(t, 1, g.Stats().TotalProcesses, "a dead handle should be reaped and replaced")
}

func TestWriteNodeHeartbeat(t *testing.T) {
	cfg := DefaultConfig()
	g, _ := newTestGuard(t, cfg, newFakeSpawner())
	ctx := context.Background()

	require.NoError(t, g.writeNodeHeartbeat(ctx))

	fields, err := g.kv.HGetAll(ctx, nodeHeartbeatKeyPrefix+"test-node")
	require.NoError(t, err)
	require.Equal(t, "test-node", fields["node_name"])
}

func TestLiveWorkerTaskIDsReadsBackHeartbeats(t *testing.T) {
	cfg := DefaultConfig()
	g, _ := newTestGuard(t, cfg, newFakeSpawner())
	ctx := context.Background()

	require.NoError(t, g.kv.HSet(ctx, worker.HeartbeatKeyPrefix+"111", map[string]any{
		"provider": "openai", "task_id": 42, "pid": 111, "node_name": "node-a",
	}, time.Hour))
	require.NoError(t, g.kv.HSet(ctx, worker.HeartbeatKeyPrefix+"222", map[string]any{
		"provider": "claude", "task_id": 7, "pid": 222, "node_name": "node-b",
	}, time.Hour))

	live, err := g.liveWorkerTaskIDs(ctx)
	require.NoError(t, err)
	require.True(t, live[42])
	require.True(t, live[7])
	require.False(t, live[99], "a task with no live heartbeat must not appear")
}

func TestStopAllKillsEveryProcess(t *testing.T) {
	cfg := DefaultConfig()
	spawner := newFakeSpawner()
	g, q := newTestGuard(t, cfg, spawner)
	ctx := context.Background()
	require.NoError(t, q.EnqueueToMain(ctx, 1, "openai"))

	g.reconcileProcesses(ctx)
	g.stopAll()

	require.Equal(t, 0, g.Stats().TotalProcesses)
	for _, h := range spawner.handles {
		require.False(t, h.alive)
	}
}

