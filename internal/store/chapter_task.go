package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChapterTaskStore manages the per-chapter sub-state beneath a task.
type ChapterTaskStore struct {
	pool *pgxpool.Pool
}

func NewChapterTaskStore(pool *pgxpool.Pool) *ChapterTaskStore {
	return &ChapterTaskStore{pool: pool}
}

// ClaimNext locks and claims the next pending chapter of taskID for
// claimedBy (a node name), marking it running. Returns (nil, nil) if
// there is nothing left to claim.
func (s *ChapterTaskStore) ClaimNext(ctx context.Context, taskID int64, claimedBy string) (*ChapterTaskState, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	var ct ChapterTaskState
	err = tx.QueryRow(ctx,
		`SELECT id, task_id, chapter_id, status, attempts, error_message, claimed_by, claimed_at, updated_at
		 FROM kg_chapter_tasks WHERE task_id = $1 AND status = $2
		 ORDER BY chapter_id LIMIT 1 FOR UPDATE SKIP LOCKED`,
		taskID, ChapterPending,
	).Scan(&ct.ID, &ct.TaskID, &ct.ChapterID, &ct.Status, &ct.Attempts, &ct.ErrorMessage, &ct.ClaimedBy, &ct.ClaimedAt, &ct.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim next chapter: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE kg_chapter_tasks SET status = $1, claimed_by = $2, claimed_at = now(), attempts = attempts + 1, updated_at = now()
		 WHERE id = $3`,
		ChapterRunning, claimedBy, ct.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: mark chapter running: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: commit claim: %w", err)
	}

	ct.Status = ChapterRunning
	ct.ClaimedBy = claimedBy
	ct.Attempts++
	return &ct, nil
}

// Complete marks a chapter task done.
func (s *ChapterTaskStore) Complete(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE kg_chapter_tasks SET status = $1, claimed_by = '', claimed_at = NULL, error_message = '', updated_at = now() WHERE id = $2`,
		ChapterCompleted, id,
	)
	if err != nil {
		return fmt.Errorf("store: complete chapter task: %w", err)
	}
	return nil
}

// Fail marks a chapter task failed with the given message. Callers
// decide separately whether to re-enqueue it as pending (auto-retry)
// or leave it failed.
func (s *ChapterTaskStore) Fail(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE kg_chapter_tasks SET status = $1, claimed_by = '', claimed_at = NULL, error_message = $2, updated_at = now() WHERE id = $3`,
		ChapterFailed, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("store: fail chapter task: %w", err)
	}
	return nil
}

// Requeue moves a chapter task back to pending, used both for
// auto-retry of failed chapters and for reclaiming zombie tasks.
func (s *ChapterTaskStore) Requeue(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE kg_chapter_tasks SET status = $1, claimed_by = '', claimed_at = NULL, updated_at = now() WHERE id = $2`,
		ChapterPending, id,
	)
	if err != nil {
		return fmt.Errorf("store: requeue chapter task: %w", err)
	}
	return nil
}

// Skip marks a chapter task skipped, removing it from the task's
// completion accounting without counting it as a failure.
func (s *ChapterTaskStore) Skip(ctx context.Context, id int64, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE kg_chapter_tasks SET status = $1, claimed_by = '', claimed_at = NULL, error_message = $2, updated_at = now() WHERE id = $3`,
		ChapterSkipped, reason, id,
	)
	if err != nil {
		return fmt.Errorf("store: skip chapter task: %w", err)
	}
	return nil
}

// Zombies returns chapter tasks stuck "running" with a claim older
// than olderThan — workers that died without releasing their claim
// (spec.md §4.7's zombie task detection), capped at limit rows per call.
func (s *ChapterTaskStore) Zombies(ctx context.Context, olderThan time.Duration, limit int) ([]*ChapterTaskState, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, chapter_id, status, attempts, error_message, claimed_by, claimed_at, updated_at
		 FROM kg_chapter_tasks WHERE status = $1 AND claimed_at < $2 ORDER BY claimed_at LIMIT $3`,
		ChapterRunning, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list zombie chapter tasks: %w", err)
	}
	defer rows.Close()

	var out []*ChapterTaskState
	for rows.Next() {
		var ct ChapterTaskState
		if err := rows.Scan(&ct.ID, &ct.TaskID, &ct.ChapterID, &ct.Status, &ct.Attempts, &ct.ErrorMessage, &ct.ClaimedBy, &ct.ClaimedAt, &ct.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan zombie chapter task: %w", err)
		}
		out = append(out, &ct)
	}
	return out, rows.Err()
}

// FailedSince returns taskID's failed chapter tasks that have made
// fewer than maxAttempts attempts, oldest update first, at most limit
// rows.
func (s *ChapterTaskStore) FailedSince(ctx context.Context, taskID int64, maxAttempts int, limit int) ([]*ChapterTaskState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, chapter_id, status, attempts, error_message, claimed_by, claimed_at, updated_at
		 FROM kg_chapter_tasks WHERE task_id = $1 AND status = $2 AND attempts < $3
		 ORDER BY updated_at LIMIT $4`,
		taskID, ChapterFailed, maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list retriable chapter tasks: %w", err)
	}
	defer rows.Close()

	var out []*ChapterTaskState
	for rows.Next() {
		var ct ChapterTaskState
		if err := rows.Scan(&ct.ID, &ct.TaskID, &ct.ChapterID, &ct.Status, &ct.Attempts, &ct.ErrorMessage, &ct.ClaimedBy, &ct.ClaimedAt, &ct.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan retriable chapter task: %w", err)
		}
		out = append(out, &ct)
	}
	return out, rows.Err()
}

// PauseRunningOnProvider requeues every chapter task currently running
// under tasks bound to providerName, used when the throttle suspends a
// provider mid-batch (spec.md §4.4: suspension reassigns in-flight work).
func (s *ChapterTaskStore) PauseRunningOnProvider(ctx context.Context, providerName string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE kg_chapter_tasks ct SET status = $1, claimed_by = '', claimed_at = NULL, updated_at = now()
		 FROM kg_tasks t WHERE ct.task_id = t.id AND t.provider_name = $2 AND ct.status = $3`,
		ChapterPending, providerName, ChapterRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("store: pause running chapters for provider %q: %w", providerName, err)
	}
	return tag.RowsAffected(), nil
}
