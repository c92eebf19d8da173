// Package guard implements the supervisor loop that keeps worker
// processes alive, reclaims zombie chapter tasks, auto-enqueues newly
// created tasks, and retries chapters that failed before exhausting
// their attempts (spec.md §4.7, grounded on the original task
// worker's guard thread).
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/kv"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/queue"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/store"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/worker"
)

const nodeHeartbeatKeyPrefix = "kg:guard:node:"

// ProcessSpawner starts a worker process bound to one provider and
// returns a handle the guard can poll/kill. Production wiring uses
// ExecSpawner (os/exec); tests substitute a fake.
type ProcessSpawner interface {
	Spawn(provider string) (ProcessHandle, error)
}

// ProcessHandle is a running (or exited) worker process.
type ProcessHandle interface {
	Alive() bool
	Provider() string
	Kill() error
}

// Config bounds the guard's process pool and per-cycle work caps.
type Config struct {
	MaxTotalProcesses       int
	MaxProcessesPerProvider int
	Interval                time.Duration
	ZombieCapPerCycle       int
	AutoEnqueueCap          int
	NodeHeartbeatTTL        time.Duration
	ZombieTimeout           time.Duration
	MaxChapterAttempts      int
	RetryCapPerCycle        int
}

// DefaultConfig mirrors the thresholds named in spec.md: 50 total
// processes, 10 per provider, a 30s tick.
func DefaultConfig() Config {
	return Config{
		MaxTotalProcesses:       50,
		MaxProcessesPerProvider: 10,
		Interval:                30 * time.Second,
		ZombieCapPerCycle:       100,
		AutoEnqueueCap:          20,
		NodeHeartbeatTTL:        180 * time.Second,
		ZombieTimeout:           10 * time.Minute,
		MaxChapterAttempts:      3,
		RetryCapPerCycle:        20,
	}
}

// Guard supervises worker processes and reconciles task/chapter state
// against the queue on every tick.
type Guard struct {
	cfg       Config
	spawner   ProcessSpawner
	kv        *kv.Client
	queue     *queue.Queue
	tasks     *store.TaskStore
	chapters  *store.ChapterTaskStore
	providers *store.ProviderStore
	nodeName  string
	logger    *slog.Logger

	mu        sync.Mutex
	processes map[string][]ProcessHandle // provider -> handles
}

// New builds a Guard.
func New(
	cfg Config,
	spawner ProcessSpawner,
	kvc *kv.Client,
	q *queue.Queue,
	tasks *store.TaskStore,
	chapters *store.ChapterTaskStore,
	providers *store.ProviderStore,
	nodeName string,
	logger *slog.Logger,
) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if nodeName == "" {
		if h, err := os.Hostname(); err == nil {
			nodeName = h
		} else {
			nodeName = "unknown"
		}
	}
	return &Guard{
		cfg:       cfg,
		spawner:   spawner,
		kv:        kvc,
		queue:     q,
		tasks:     tasks,
		chapters:  chapters,
		providers: providers,
		nodeName:  nodeName,
		logger:    logger,
		processes: make(map[string][]ProcessHandle),
	}
}

// Run ticks at cfg.Interval until ctx is cancelled, reconciling worker
// processes and task/chapter state each time.
func (g *Guard) Run(ctx context.Context) error {
	g.tick(ctx)

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.stopAll()
			return ctx.Err()
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

func (g *Guard) tick(ctx context.Context) {
	g.reconcileProcesses(ctx)
	if err := g.reclaimZombies(ctx); err != nil {
		g.logger.Warn("guard: reclaim zombies failed", "error", err)
	}
	if err := g.autoEnqueueCreatedTasks(ctx); err != nil {
		g.logger.Warn("guard: auto-enqueue failed", "error", err)
	}
	if err := g.autoRetryFailedTasks(ctx); err != nil {
		g.logger.Warn("guard: auto-retry failed tasks failed", "error", err)
	}
	if err := g.writeNodeHeartbeat(ctx); err != nil {
		g.logger.Warn("guard: node heartbeat failed", "error", err)
	}
}

// reconcileProcesses starts whatever worker processes are missing for
// every provider with queued work, never exceeding the per-provider
// or total process caps.
func (g *Guard) reconcileProcesses(ctx context.Context) {
	providers, err := g.queue.ActiveProviders(ctx)
	if err != nil {
		g.logger.Warn("guard: list active providers failed", "error", err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.reapDeadLocked()

	total := g.totalProcessesLocked()
	for _, provider := range providers {
		if total >= g.cfg.MaxTotalProcesses {
			g.logger.Warn("guard: total process cap reached, not spawning more", "cap", g.cfg.MaxTotalProcesses)
			break
		}
		existing := len(g.processes[provider])
		needed := g.cfg.MaxProcessesPerProvider - existing
		if needed <= 0 {
			continue
		}
		if total+needed > g.cfg.MaxTotalProcesses {
			needed = g.cfg.MaxTotalProcesses - total
		}
		for i := 0; i < needed; i++ {
			handle, err := g.spawner.Spawn(provider)
			if err != nil {
				g.logger.Error("guard: spawn worker failed", "provider", provider, "error", err)
				break
			}
			g.processes[provider] = append(g.processes[provider], handle)
			total++
		}
	}
}

func (g *Guard) reapDeadLocked() {
	for provider, handles := range g.processes {
		alive := handles[:0]
		for _, h := range handles {
			if h.Alive() {
				alive = append(alive, h)
			}
		}
		g.processes[provider] = alive
	}
}

func (g *Guard) totalProcessesLocked() int {
	n := 0
	for _, handles := range g.processes {
		n += len(handles)
	}
	return n
}

func (g *Guard) stopAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for provider, handles := range g.processes {
		for _, h := range handles {
			if err := h.Kill(); err != nil {
				g.logger.Warn("guard: kill worker failed", "provider", provider, "error", err)
			}
		}
	}
	g.processes = make(map[string][]ProcessHandle)
}

// reclaimZombies requeues chapter tasks stuck "running" past
// ZombieTimeout, but only once internal/worker.HeartbeatKeyPrefix shows
// no live worker is still processing that chapter's task: a claim past
// the timeout isn't necessarily abandoned, a worker can legitimately
// take longer than ZombieTimeout on one chapter while its heartbeat
// keeps proving it's still alive. Once a chapter is genuinely
// reclaimed, the parent task is also reclassified: if it has no
// completed chapters yet it moves back to "created" so
// autoEnqueueCreatedTasks restarts it fresh, otherwise it's left
// running for whichever live worker still owns the rest of its
// chapters.
func (g *Guard) reclaimZombies(ctx context.Context) error {
	zombies, err := g.chapters.Zombies(ctx, g.cfg.ZombieTimeout, g.cfg.ZombieCapPerCycle)
	if err != nil {
		return fmt.Errorf("list zombies: %w", err)
	}
	if len(zombies) == 0 {
		return nil
	}

	liveTasks, err := g.liveWorkerTaskIDs(ctx)
	if err != nil {
		g.logger.Warn("guard: worker liveness scan failed, reclaiming by claim timeout alone", "error", err)
		liveTasks = map[int64]bool{}
	}

	reclassified := make(map[int64]bool)
	for _, z := range zombies {
		if liveTasks[z.TaskID] {
			continue
		}
		if err := g.chapters.Requeue(ctx, z.ID); err != nil {
			g.logger.Warn("guard: requeue zombie chapter failed", "chapter_task_id", z.ID, "error", err)
			continue
		}
		g.logger.Info("guard: reclaimed zombie chapter task", "chapter_task_id", z.ID, "task_id", z.TaskID)

		if reclassified[z.TaskID] {
			continue
		}
		reclassified[z.TaskID] = true
		if err := g.reclassifyZombieTask(ctx, z.TaskID); err != nil {
			g.logger.Warn("guard: task-level zombie reclassification failed", "task_id", z.TaskID, "error", err)
		}
	}
	return nil
}

// liveWorkerTaskIDs scans every internal/worker heartbeat hash and
// returns the set of task IDs a still-live worker process is currently
// processing.
func (g *Guard) liveWorkerTaskIDs(ctx context.Context) (map[int64]bool, error) {
	keys, err := g.kv.Keys(ctx, worker.HeartbeatKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan worker heartbeats: %w", err)
	}
	live := make(map[int64]bool, len(keys))
	for _, key := range keys {
		fields, err := g.kv.HGetAll(ctx, key)
		if err != nil {
			g.logger.Warn("guard: read worker heartbeat failed", "key", key, "error", err)
			continue
		}
		raw, ok := fields["task_id"]
		if !ok {
			continue
		}
		taskID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		live[taskID] = true
	}
	return live, nil
}

// reclassifyZombieTask moves a task whose claimed chapter just turned
// out to be abandoned back to "created" when nothing else is keeping
// it company, so it gets picked up fresh instead of sitting in
// "running" with no live worker ever going to advance it.
func (g *Guard) reclassifyZombieTask(ctx context.Context, taskID int64) error {
	t, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status != store.TaskRunning {
		return nil
	}
	if t.DoneChapters > 0 {
		return nil
	}
	if err := g.tasks.Transition(ctx, taskID, store.TaskCreated, ""); err != nil {
		return err
	}
	g.logger.Info("guard: reclassified zombie task back to created", "task_id", taskID)
	return nil
}

// autoEnqueueCreatedTasks starts every task still sitting in "created"
// so an operator doesn't have to call Start manually for each one.
func (g *Guard) autoEnqueueCreatedTasks(ctx context.Context) error {
	created, err := g.tasks.ListByStatus(ctx, store.TaskCreated, g.cfg.AutoEnqueueCap)
	if err != nil {
		return fmt.Errorf("list created tasks: %w", err)
	}
	for _, t := range created {
		started, err := g.tasks.TryStartTask(ctx, t.ID)
		if err != nil {
			g.logger.Warn("guard: auto-start task failed", "task_id", t.ID, "error", err)
			continue
		}
		if started {
			g.logger.Info("guard: auto-started task", "task_id", t.ID)
		}
	}
	return nil
}

// autoRetryFailedTasks drives S6: for every failed task whose
// RetryScheduledAt has arrived, it resets the task's still-retriable
// failed chapters to pending, moves the task to paused, and promotes
// it back to running through the same TryStartTask gate a manual
// resume uses.
func (g *Guard) autoRetryFailedTasks(ctx context.Context) error {
	due, err := g.tasks.ListRetryDue(ctx, g.cfg.RetryCapPerCycle)
	if err != nil {
		return fmt.Errorf("list retry-due tasks: %w", err)
	}
	for _, t := range due {
		if err := g.tasks.RetryFailed(ctx, t.ID, g.cfg.MaxChapterAttempts); err != nil {
			g.logger.Warn("guard: auto-retry reset failed", "task_id", t.ID, "error", err)
			continue
		}
		started, err := g.tasks.TryStartTask(ctx, t.ID)
		if err != nil {
			g.logger.Warn("guard: auto-retry restart failed", "task_id", t.ID, "error", err)
			continue
		}
		g.logger.Info("guard: auto-retried failed task", "task_id", t.ID, "retry_count", t.RetryCount+1, "started", started)
	}
	return nil
}

func (g *Guard) writeNodeHeartbeat(ctx context.Context) error {
	key := nodeHeartbeatKeyPrefix + g.nodeName
	fields := map[string]any{
		"node_name": g.nodeName,
		"at":        time.Now().Unix(),
	}
	return g.kv.HSet(ctx, key, fields, g.cfg.NodeHeartbeatTTL)
}

// Stats summarizes the guard's current view of running processes, an
// operator-facing equivalent of the original get_worker_stats call.
type Stats struct {
	TotalProcesses int
	PerProvider    map[string]int
}

// Stats reports the current process pool snapshot.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := Stats{PerProvider: make(map[string]int, len(g.processes))}
	for provider, handles := range g.processes {
		out.PerProvider[provider] = len(handles)
		out.TotalProcesses += len(handles)
	}
	return out
}

// execHandle wraps a running os/exec.Cmd as a ProcessHandle. exited is
// set from the goroutine that calls cmd.Wait, since reading
// cmd.ProcessState concurrently with Wait is a data race.
type execHandle struct {
	provider string
	cmd      *exec.Cmd
	exited   atomic.Bool
}

func (h *execHandle) Alive() bool {
	return !h.exited.Load()
}

func (h *execHandle) Provider() string { return h.provider }

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// ExecSpawner spawns `binary worker --provider=<name>` as a detached
// OS process per provider, mirroring the original's
// multiprocessing.Process-per-provider isolation: a crashing provider
// client can never take down another provider's worker.
type ExecSpawner struct {
	Binary string
	Args   []string
	Env    []string
}

// Spawn starts a worker process bound to provider.
func (s *ExecSpawner) Spawn(provider string) (ProcessHandle, error) {
	args := append([]string{"worker", "--provider=" + provider}, s.Args...)
	cmd := exec.Command(s.Binary, args...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("guard: start worker process for %q: %w", provider, err)
	}
	h := &execHandle{provider: provider, cmd: cmd}
	go func() {
		_ = cmd.Wait()
		h.exited.Store(true)
	}()
	return h, nil
}
