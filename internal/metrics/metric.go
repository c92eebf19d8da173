// Package metrics records per-chapter extraction cost and yield:
// one append-only row per LLM call, attributing tokens, cost, timing,
// and the entity/relation counts a call produced back to the task and
// chapter that triggered it.
package metrics

import "time"

// Metric is a single recorded extraction call.
type Metric struct {
	ID        int64
	TaskID    int64
	ChapterID int64
	Provider  string
	Model     string

	CostUSD          float64
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ExecutionSeconds float64

	CharacterCount    int
	LocationCount     int
	OrganizationCount int
	EventCount        int
	RelationCount     int

	Success   bool
	ErrorType string

	CreatedAt time.Time
}
