package metrics

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/extract"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/providers"
)

// Recorder persists extraction metrics to Postgres.
type Recorder struct {
	pool *pgxpool.Pool
}

// NewRecorder builds a Recorder backed by pool.
func NewRecorder(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool}
}

// RecordCall records one LLM call's cost/timing and, for a successful
// call, the entities and relations it yielded for the chapter.
func (r *Recorder) RecordCall(ctx context.Context, taskID, chapterID int64, result *providers.ChatResult, callErr error, payload *extract.ExtractionPayload) error {
	m := Metric{
		TaskID:    taskID,
		ChapterID: chapterID,
	}

	if result != nil {
		m.Provider = result.Provider
		m.Model = result.ModelUsed
		m.CostUSD = result.CostUSD
		m.PromptTokens = result.PromptTokens
		m.CompletionTokens = result.CompletionTokens
		m.TotalTokens = result.TotalTokens
		m.ExecutionSeconds = result.ExecutionTime.Seconds()
		m.Success = result.Success
		m.ErrorType = result.ErrorType
	}
	if callErr != nil {
		m.Success = false
		if m.ErrorType == "" {
			m.ErrorType = "transport"
		}
	}
	if payload != nil {
		m.CharacterCount = len(payload.Characters)
		m.LocationCount = len(payload.Locations)
		m.OrganizationCount = len(payload.Organizations)
		m.EventCount = len(payload.Events)
		m.RelationCount = len(payload.Relations)
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO extraction_metrics
			(task_id, chapter_id, provider, model, cost_usd, prompt_tokens, completion_tokens,
			 total_tokens, execution_seconds, character_count, location_count, organization_count,
			 event_count, relation_count, success, error_type)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		m.TaskID, m.ChapterID, m.Provider, m.Model, m.CostUSD, m.PromptTokens, m.CompletionTokens,
		m.TotalTokens, m.ExecutionSeconds, m.CharacterCount, m.LocationCount, m.OrganizationCount,
		m.EventCount, m.RelationCount, m.Success, m.ErrorType,
	)
	if err != nil {
		return fmt.Errorf("metrics: record call: %w", err)
	}
	return nil
}

// TaskCost sums the recorded cost and token usage across every call
// attributed to taskID, used for cost-to-date reporting.
func (r *Recorder) TaskCost(ctx context.Context, taskID int64) (costUSD float64, totalTokens int64, err error) {
	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0), COALESCE(SUM(total_tokens), 0)
		 FROM extraction_metrics WHERE task_id = $1`,
		taskID,
	).Scan(&costUSD, &totalTokens)
	if err != nil {
		return 0, 0, fmt.Errorf("metrics: task cost: %w", err)
	}
	return costUSD, totalTokens, nil
}
