package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const taskColumns = `id, novel_id, provider_name, status, total_chapters, done_chapters,
	        failed_chapters, error_message, created_at, updated_at, started_at, completed_at,
	        auto_retry_enabled, retry_interval_minutes, failed_at, retry_scheduled_at, retry_count`

// ErrInvalidTransition is returned when a task status change isn't
// permitted by the state machine in spec.md §4.6.
var ErrInvalidTransition = errors.New("store: invalid task transition")

// validTransitions enumerates the task lifecycle edges. Anything not
// listed here is rejected.
var validTransitions = map[TaskStatus][]TaskStatus{
	TaskCreated:   {TaskRunning, TaskCancelled, TaskFailed, TaskCompleted},
	TaskRunning:   {TaskPaused, TaskFailed, TaskCompleted, TaskCancelled, TaskCreated}, // guard reclassifies a zombie task with no progress back to created
	TaskPaused:    {TaskRunning, TaskCancelled},
	TaskFailed:    {TaskRunning, TaskCancelled}, // auto-retry or manual restart re-enters running
	TaskCompleted: {},
	TaskCancelled: {},
}

func canTransition(from, to TaskStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TaskStore is the CRUD and state-machine surface for knowledge graph tasks.
type TaskStore struct {
	pool *pgxpool.Pool
}

func NewTaskStore(pool *pgxpool.Pool) *TaskStore {
	return &TaskStore{pool: pool}
}

// Create inserts a task in the "created" state and a pending
// ChapterTaskState row for every chapter of the novel, in one
// transaction, so the task is immediately schedulable.
// autoRetryEnabled/retryIntervalMinutes seed the task's auto-retry
// config (spec.md §4.6, S6); retryIntervalMinutes is ignored unless
// autoRetryEnabled is true.
func (s *TaskStore) Create(ctx context.Context, novelID int64, providerName string, autoRetryEnabled bool, retryIntervalMinutes int) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin create task: %w", err)
	}
	defer tx.Rollback(ctx)

	var chapterIDs []int64
	rows, err := tx.Query(ctx, `SELECT id FROM chapters WHERE novel_id = $1 ORDER BY index`, novelID)
	if err != nil {
		return 0, fmt.Errorf("store: load chapters for task: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: scan chapter id: %w", err)
		}
		chapterIDs = append(chapterIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var taskID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO kg_tasks (novel_id, provider_name, status, total_chapters, auto_retry_enabled, retry_interval_minutes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now()) RETURNING id`,
		novelID, providerName, TaskCreated, len(chapterIDs), autoRetryEnabled, retryIntervalMinutes,
	).Scan(&taskID)
	if err != nil {
		return 0, fmt.Errorf("store: insert task: %w", err)
	}

	for _, cid := range chapterIDs {
		_, err := tx.Exec(ctx,
			`INSERT INTO kg_chapter_tasks (task_id, chapter_id, status, updated_at) VALUES ($1, $2, $3, now())`,
			taskID, cid, ChapterPending,
		)
		if err != nil {
			return 0, fmt.Errorf("store: insert chapter task: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit create task: %w", err)
	}

	if len(chapterIDs) == 0 {
		if err := s.Transition(ctx, taskID, TaskCompleted, ""); err != nil {
			return 0, fmt.Errorf("store: complete empty task: %w", err)
		}
	}
	return taskID, nil
}

func (s *TaskStore) Get(ctx context.Context, id int64) (*KnowledgeGraphTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM kg_tasks WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func scanTask(row pgx.Row) (*KnowledgeGraphTask, error) {
	var t KnowledgeGraphTask
	err := row.Scan(&t.ID, &t.NovelID, &t.ProviderName, &t.Status, &t.TotalChapters, &t.DoneChapters,
		&t.FailedChapters, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt,
		&t.AutoRetryEnabled, &t.RetryIntervalMinutes, &t.FailedAt, &t.RetryScheduledAt, &t.RetryCount)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TryStartTask attempts to move a task from created/paused/failed into
// running, using SELECT ... FOR UPDATE so two guard processes racing
// to start the same task never both succeed (spec.md §4.6). Returns
// false, nil if the task was not in a startable state.
func (s *TaskStore) TryStartTask(ctx context.Context, taskID int64) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store: begin try-start: %w", err)
	}
	defer tx.Rollback(ctx)

	var status TaskStatus
	err = tx.QueryRow(ctx, `SELECT status FROM kg_tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("store: lock task: %w", err)
	}

	if !canTransition(status, TaskRunning) {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE kg_tasks SET status = $1, started_at = coalesce(started_at, now()), updated_at = now() WHERE id = $2`,
		TaskRunning, taskID,
	)
	if err != nil {
		return false, fmt.Errorf("store: start task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("store: commit try-start: %w", err)
	}
	return true, nil
}

// Transition moves a task to a new status, enforcing the state
// machine. errMsg is recorded when to is TaskFailed. Entering
// TaskFailed also stamps FailedAt and, when AutoRetryEnabled, computes
// RetryScheduledAt = now + RetryIntervalMinutes (spec.md §4.6, S6);
// any other transition clears RetryScheduledAt since it no longer
// applies.
func (s *TaskStore) Transition(ctx context.Context, taskID int64, to TaskStatus, errMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	var status TaskStatus
	var autoRetry bool
	var retryIntervalMinutes int
	err = tx.QueryRow(ctx,
		`SELECT status, auto_retry_enabled, retry_interval_minutes FROM kg_tasks WHERE id = $1 FOR UPDATE`, taskID,
	).Scan(&status, &autoRetry, &retryIntervalMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: lock task: %w", err)
	}

	if !canTransition(status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, to)
	}

	completedAtClause := "completed_at"
	if to == TaskCompleted || to == TaskCancelled {
		completedAtClause = "now()"
	}

	args := []any{to, errMsg, taskID}
	failedAtClause := "failed_at"
	retryScheduledClause := "NULL"
	if to == TaskFailed {
		failedAtClause = "now()"
		if autoRetry {
			args = append(args, retryIntervalMinutes)
			retryScheduledClause = fmt.Sprintf("now() + make_interval(mins => $%d)", len(args))
		}
	}

	query := fmt.Sprintf(
		`UPDATE kg_tasks SET status = $1, error_message = $2, updated_at = now(),
		        completed_at = %s, failed_at = %s, retry_scheduled_at = %s
		 WHERE id = $3`,
		completedAtClause, failedAtClause, retryScheduledClause,
	)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("store: transition task: %w", err)
	}

	return tx.Commit(ctx)
}

// ListRetryDue returns failed tasks with auto-retry enabled whose
// RetryScheduledAt has arrived, the guard loop's auto-retry poll
// (spec.md §4.6, S6).
func (s *TaskStore) ListRetryDue(ctx context.Context, limit int) ([]*KnowledgeGraphTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM kg_tasks
		 WHERE status = $1 AND auto_retry_enabled AND retry_scheduled_at IS NOT NULL AND retry_scheduled_at <= now()
		 ORDER BY retry_scheduled_at LIMIT $2`,
		TaskFailed, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list retry-due tasks: %w", err)
	}
	defer rows.Close()

	var out []*KnowledgeGraphTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RetryFailed is the retry-failed-chapters routine spec.md §4.6 (S6)
// names: it resets every failed chapter of taskID under maxAttempts
// back to pending, increments RetryCount, clears RetryScheduledAt, and
// moves the task to "paused" so a subsequent TryStartTask promotes it
// atomically, the same race-free gate a manual restart uses. Chapters
// that already exhausted maxAttempts are left failed.
func (s *TaskStore) RetryFailed(ctx context.Context, taskID int64, maxAttempts int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin retry failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var status TaskStatus
	err = tx.QueryRow(ctx, `SELECT status FROM kg_tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: lock task: %w", err)
	}
	if status != TaskFailed {
		return fmt.Errorf("%w: cannot auto-retry task in status %s", ErrInvalidTransition, status)
	}

	_, err = tx.Exec(ctx,
		`UPDATE kg_chapter_tasks SET status = $1, claimed_by = '', claimed_at = NULL, error_message = '', updated_at = now()
		 WHERE task_id = $2 AND status = $3 AND attempts < $4`,
		ChapterPending, taskID, ChapterFailed, maxAttempts,
	)
	if err != nil {
		return fmt.Errorf("store: reset failed chapter tasks: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE kg_tasks SET status = $1, retry_count = retry_count + 1, retry_scheduled_at = NULL, updated_at = now()
		 WHERE id = $2`,
		TaskPaused, taskID,
	)
	if err != nil {
		return fmt.Errorf("store: pause task for retry: %w", err)
	}

	return tx.Commit(ctx)
}

// RecomputeCounters recounts done/failed chapters from
// kg_chapter_tasks and writes them back onto the task row. Once every
// chapter has resolved (completed, failed or skipped), a running task
// rolls to "failed" if any chapter failed and to "completed" otherwise.
func (s *TaskStore) RecomputeCounters(ctx context.Context, taskID int64) error {
	var done, failed, skipped, total int
	err := s.pool.QueryRow(ctx,
		`SELECT
		   count(*) FILTER (WHERE status = $2),
		   count(*) FILTER (WHERE status = $3),
		   count(*) FILTER (WHERE status = $4),
		   count(*)
		 FROM kg_chapter_tasks WHERE task_id = $1`,
		taskID, ChapterCompleted, ChapterFailed, ChapterSkipped,
	).Scan(&done, &failed, &skipped, &total)
	if err != nil {
		return fmt.Errorf("store: recompute counters: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE kg_tasks SET done_chapters = $1, failed_chapters = $2, updated_at = now() WHERE id = $3`,
		done, failed, taskID,
	)
	if err != nil {
		return fmt.Errorf("store: update counters: %w", err)
	}

	if total > 0 && done+failed+skipped >= total {
		var status TaskStatus
		if err := s.pool.QueryRow(ctx, `SELECT status FROM kg_tasks WHERE id = $1`, taskID).Scan(&status); err != nil {
			return fmt.Errorf("store: read task status: %w", err)
		}
		if status == TaskRunning {
			if failed > 0 {
				return s.Transition(ctx, taskID, TaskFailed, fmt.Sprintf("%d of %d chapters failed", failed, total))
			}
			return s.Transition(ctx, taskID, TaskCompleted, "")
		}
	}
	return nil
}

// Restart resets a completed, failed, or cancelled task back to
// "created" and reverts every non-completed chapter to "pending" so
// the scheduler re-enqueues it. Completed chapters are left untouched
// (spec.md §4.6: restarting a task does not redo finished chapters);
// their graph nodes are cleaned up separately by the task service,
// which also detaches this task from shared graph nodes.
func (s *TaskStore) Restart(ctx context.Context, taskID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin restart: %w", err)
	}
	defer tx.Rollback(ctx)

	var status TaskStatus
	err = tx.QueryRow(ctx, `SELECT status FROM kg_tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: lock task: %w", err)
	}
	if status != TaskCompleted && status != TaskFailed && status != TaskCancelled {
		return fmt.Errorf("%w: cannot restart task in status %s", ErrInvalidTransition, status)
	}

	_, err = tx.Exec(ctx,
		`UPDATE kg_chapter_tasks SET status = $1, attempts = 0, error_message = '', claimed_by = '', claimed_at = NULL, updated_at = now()
		 WHERE task_id = $2 AND status != $3`,
		ChapterPending, taskID, ChapterCompleted,
	)
	if err != nil {
		return fmt.Errorf("store: reset chapter tasks: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE kg_tasks SET status = $1, failed_chapters = 0, error_message = '', started_at = NULL, completed_at = NULL, updated_at = now()
		 WHERE id = $2`,
		TaskCreated, taskID,
	)
	if err != nil {
		return fmt.Errorf("store: reset task: %w", err)
	}

	return tx.Commit(ctx)
}

// PauseRunningOnProvider bulk-transitions every running task bound to
// providerName to paused, the task-level half of suspension fan-out
// (spec.md §4.2: suspending a provider must pause the tasks running on
// it, not just reassign their queued work).
func (s *TaskStore) PauseRunningOnProvider(ctx context.Context, providerName string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE kg_tasks SET status = $1, updated_at = now() WHERE provider_name = $2 AND status = $3`,
		TaskPaused, providerName, TaskRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("store: pause running tasks for provider %q: %w", providerName, err)
	}
	return tag.RowsAffected(), nil
}

// ListByStatus returns tasks in the given status, used by the guard
// loop to find created tasks to auto-enqueue and failed tasks to
// auto-retry.
func (s *TaskStore) ListByStatus(ctx context.Context, status TaskStatus, limit int) ([]*KnowledgeGraphTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM kg_tasks WHERE status = $1 ORDER BY created_at LIMIT $2`, status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks by status: %w", err)
	}
	defer rows.Close()

	var out []*KnowledgeGraphTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
