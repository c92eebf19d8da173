// Package task orchestrates the knowledge-graph task lifecycle above
// internal/store: creating a task also enqueues it, starting
// one also claims it against races from other guard processes, and
// every status change that leaves chapters queued or in flight also
// reconciles internal/queue so workers see consistent state (spec.md
// §4.6).
package task

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/graph"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/queue"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/store"
)

// ProviderCandidates supplies the AI provider names choose_provider_for_task
// picks among (internal/providers.Registry satisfies this). Suspension
// is reported separately by SuspensionChecker.
type ProviderCandidates interface {
	Names() []string
}

// SuspensionChecker reports whether a provider is currently suspended.
type SuspensionChecker interface {
	IsSuspended(ctx context.Context, provider string) bool
}

// Service wires the relational task/chapter-task state machine to the
// Redis-backed queue, so callers (the CLI's task subcommand, the
// guard loop, the extraction worker) never have to juggle both by
// hand.
type Service struct {
	tasks     *store.TaskStore
	chapters  *store.ChapterTaskStore
	queue     *queue.Queue
	graph     *graph.Store
	providers ProviderCandidates
	suspend   SuspensionChecker
	logger    *slog.Logger
}

// New builds a Service. graphStore may be nil, in which case Restart
// skips graph cleanup (used by tests that don't exercise the graph
// store). providers/suspend drive choose_provider_for_task in Create.
// A nil providers makes Create always use the synthetic "rules"
// provider; a nil suspend treats every provider as not suspended.
func New(tasks *store.TaskStore, chapters *store.ChapterTaskStore, q *queue.Queue, graphStore *graph.Store, providerCandidates ProviderCandidates, suspend SuspensionChecker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tasks:     tasks,
		chapters:  chapters,
		queue:     q,
		graph:     graphStore,
		providers: providerCandidates,
		suspend:   suspend,
		logger:    logger,
	}
}

// Create inserts a new task for novelID bound to whichever provider
// choose_provider_for_task selects, then enqueues the task (one entry
// carrying its ID) onto that provider's main queue so the batch
// scheduler can start promoting it. When useAI is
// false, or no AI provider is eligible, the task is bound to the
// synthetic "rules" provider instead (spec.md §4.4). autoRetryEnabled
// and retryIntervalMinutes seed the task's S6 auto-retry config.
func (s *Service) Create(ctx context.Context, novelID int64, useAI, autoRetryEnabled bool, retryIntervalMinutes int) (int64, error) {
	providerName, err := s.chooseProvider(ctx, useAI)
	if err != nil {
		return 0, fmt.Errorf("task: choose provider: %w", err)
	}

	taskID, err := s.tasks.Create(ctx, novelID, providerName, autoRetryEnabled, retryIntervalMinutes)
	if err != nil {
		return 0, err
	}
	if err := s.enqueueTask(ctx, taskID, providerName); err != nil {
		return taskID, fmt.Errorf("task: created but failed to enqueue chapters: %w", err)
	}
	return taskID, nil
}

// chooseProvider implements choose_provider_for_task (spec.md §4.4):
// with useAI set, pick whichever configured AI provider currently has
// the shortest combined queue and isn't suspended, falling back to
// "rules" if none qualify or useAI is false.
func (s *Service) chooseProvider(ctx context.Context, useAI bool) (string, error) {
	if !useAI || s.providers == nil {
		return queue.DefaultProvider, nil
	}
	suspended := func(provider string) bool {
		if s.suspend == nil {
			return false
		}
		return s.suspend.IsSuspended(ctx, provider)
	}
	return s.queue.ChooseProvider(ctx, s.providers.Names(), suspended)
}

func (s *Service) enqueueTask(ctx context.Context, taskID int64, providerName string) error {
	return s.queue.EnqueueToMain(ctx, taskID, providerName)
}

// Start attempts to move taskID into "running". It does not itself
// enqueue chapters — Create already did that — it only flips the
// task-level gate that lets ClaimNext start handing chapters to
// workers.
func (s *Service) Start(ctx context.Context, taskID int64) (bool, error) {
	return s.tasks.TryStartTask(ctx, taskID)
}

// Pause transitions a running task to paused and requeues any chapter
// currently claimed by a worker back to pending, so resuming later
// doesn't strand in-flight chapters.
func (s *Service) Pause(ctx context.Context, taskID int64) error {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.tasks.Transition(ctx, taskID, store.TaskPaused, ""); err != nil {
		return err
	}
	n, err := s.chapters.PauseRunningOnProvider(ctx, t.ProviderName)
	if err != nil {
		s.logger.Warn("task: pause could not requeue in-flight chapters", "task_id", taskID, "error", err)
		return nil
	}
	if n > 0 {
		s.logger.Info("task paused, requeued in-flight chapters", "task_id", taskID, "count", n)
	}
	return nil
}

// PauseTasksOnProvider pauses every task currently running on
// providerName and releases their in-flight chapters back to pending,
// the task-level half of suspension fan-out (spec.md §4.2): when the
// throttle suspends a provider, both its queued work (handled by
// internal/queue.Reassign) and the tasks actively running against it
// must stop, or a paused provider keeps silently "running" tasks that
// can never make progress.
func (s *Service) PauseTasksOnProvider(ctx context.Context, providerName string) (int64, error) {
	paused, err := s.tasks.PauseRunningOnProvider(ctx, providerName)
	if err != nil {
		return 0, fmt.Errorf("task: pause tasks on provider %q: %w", providerName, err)
	}
	if _, err := s.chapters.PauseRunningOnProvider(ctx, providerName); err != nil {
		s.logger.Warn("task: suspension fan-out could not release in-flight chapters", "provider", providerName, "error", err)
	}
	return paused, nil
}

// Resume moves a paused or failed task back to running and
// re-enqueues its still-pending chapters, covering the case where the
// in-memory queue was purged or never populated (e.g. after a Redis
// restart) while the relational state survived.
func (s *Service) Resume(ctx context.Context, taskID int64) (bool, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	started, err := s.tasks.TryStartTask(ctx, taskID)
	if err != nil || !started {
		return started, err
	}
	if err := s.reenqueuePending(ctx, t); err != nil {
		s.logger.Warn("task: resume could not verify queue state", "task_id", taskID, "error", err)
	}
	return true, nil
}

func (s *Service) reenqueuePending(ctx context.Context, t *store.KnowledgeGraphTask) error {
	mainLen, err := s.queue.MainLen(ctx, t.ProviderName)
	if err != nil {
		return err
	}
	activeLen, err := s.queue.ActiveLen(ctx, t.ProviderName)
	if err != nil {
		return err
	}
	if mainLen > 0 || activeLen > 0 {
		return nil
	}
	return s.enqueueTask(ctx, t.ID, t.ProviderName)
}

// Cancel transitions a task to cancelled, regardless of its current
// status (as long as the state machine allows it), and purges any of
// its queued entries so workers stop claiming chapters for it.
func (s *Service) Cancel(ctx context.Context, taskID int64) error {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.tasks.Transition(ctx, taskID, store.TaskCancelled, ""); err != nil {
		return err
	}
	if _, err := s.chapters.PauseRunningOnProvider(ctx, t.ProviderName); err != nil {
		s.logger.Warn("task: cancel could not release in-flight chapters", "task_id", taskID, "error", err)
	}
	return nil
}

// Fail transitions a task to failed with the given reason.
func (s *Service) Fail(ctx context.Context, taskID int64, reason string) error {
	return s.tasks.Transition(ctx, taskID, store.TaskFailed, reason)
}

// Restart resets a completed, failed, or cancelled task back to
// created, re-enqueues the task onto its provider's main queue, and
// cleans up the graph nodes this task exclusively produced (spec.md
// §4.6, S5):
// nodes no other task contributed to are deleted outright, nodes
// shared with another task merely have this task's ID removed from
// their taskIDs multiset.
func (s *Service) Restart(ctx context.Context, taskID int64) error {
	if err := s.tasks.Restart(ctx, taskID); err != nil {
		return err
	}
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if s.graph != nil {
		result, err := s.graph.DetachTask(ctx, t.NovelID, taskID)
		if err != nil {
			s.logger.Warn("task: restart could not clean up graph nodes", "task_id", taskID, "error", err)
		} else {
			s.logger.Info("task: restart cleaned up graph nodes", "task_id", taskID, "deleted", result.Deleted, "detached", result.Detached)
		}
	}
	return s.enqueueTask(ctx, t.ID, t.ProviderName)
}

// Get returns a task's current state.
func (s *Service) Get(ctx context.Context, taskID int64) (*store.KnowledgeGraphTask, error) {
	return s.tasks.Get(ctx, taskID)
}

// CompleteChapter marks a claimed chapter task complete and rolls its
// parent task's counters; once every chapter has resolved the task
// moves to completed, or to failed if any chapter failed.
func (s *Service) CompleteChapter(ctx context.Context, chapterTaskID, taskID int64) error {
	if err := s.chapters.Complete(ctx, chapterTaskID); err != nil {
		return err
	}
	return s.tasks.RecomputeCounters(ctx, taskID)
}

// FailChapter marks a claimed chapter task failed and rolls its parent
// task's counters.
func (s *Service) FailChapter(ctx context.Context, chapterTaskID, taskID int64, reason string) error {
	if err := s.chapters.Fail(ctx, chapterTaskID, reason); err != nil {
		return err
	}
	return s.tasks.RecomputeCounters(ctx, taskID)
}

// ClaimNextChapter claims the next pending chapter of taskID for a
// worker node.
func (s *Service) ClaimNextChapter(ctx context.Context, taskID int64, claimedBy string) (*store.ChapterTaskState, error) {
	return s.chapters.ClaimNext(ctx, taskID, claimedBy)
}

// RequeueChapter releases a claimed chapter task back to pending
// without counting it as a failure, used when a task stops mid-loop
// for a reason other than the chapter itself failing (e.g. its
// provider was suspended).
func (s *Service) RequeueChapter(ctx context.Context, chapterTaskID int64) error {
	return s.chapters.Requeue(ctx, chapterTaskID)
}
