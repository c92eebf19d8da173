// Package store is the PostgreSQL-backed relational store: novels,
// chapters, AI providers, and knowledge-graph tasks (spec.md §3). It is
// the durable source of truth; the graph store and kv queue derive
// their state from it.
package store

import "time"

// TaskStatus is the lifecycle state of a KnowledgeGraphTask (spec.md §4.6).
type TaskStatus string

const (
	TaskCreated   TaskStatus = "created"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskFailed    TaskStatus = "failed"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
)

// ChapterTaskStatus is the per-chapter sub-state within a task.
type ChapterTaskStatus string

const (
	ChapterPending   ChapterTaskStatus = "pending"
	ChapterRunning   ChapterTaskStatus = "running"
	ChapterCompleted ChapterTaskStatus = "completed"
	ChapterFailed    ChapterTaskStatus = "failed"
	ChapterSkipped   ChapterTaskStatus = "skipped"
)

// Novel is the top-level unit of source text.
type Novel struct {
	ID        int64
	Title     string
	Author    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Chapter is a single chapter of a Novel's text.
type Chapter struct {
	ID        int64
	NovelID   int64
	Index     int
	Title     string
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AIProvider is a configured LLM provider (spec.md §4.4): its rate
// limit, credentials reference, and enabled state.
type AIProvider struct {
	ID            int64
	Name          string
	Kind          string // "openai_compatible" | "claude_style" | "rules" | "local_proxy"
	BaseURL       string
	Model         string
	RateLimitSecs int
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// KnowledgeGraphTask drives the extraction of a Novel's chapters into
// the graph store, one chapter at a time, through a named provider.
type KnowledgeGraphTask struct {
	ID             int64
	NovelID        int64
	ProviderName   string
	Status         TaskStatus
	TotalChapters  int
	DoneChapters   int
	FailedChapters int
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time

	// Auto-retry bookkeeping (spec.md §4.6, S6): when a task enters
	// "failed" with AutoRetryEnabled, RetryScheduledAt is set to
	// FailedAt + RetryIntervalMinutes and the guard loop's auto-retry
	// poll picks it back up once that time arrives.
	AutoRetryEnabled     bool
	RetryIntervalMinutes int
	FailedAt             *time.Time
	RetryScheduledAt     *time.Time
	RetryCount           int
}

// ChapterTaskState is the per-chapter row beneath a KnowledgeGraphTask:
// spec.md §4.6's chapter-level sub-state machine.
type ChapterTaskState struct {
	ID           int64
	TaskID       int64
	ChapterID    int64
	Status       ChapterTaskStatus
	Attempts     int
	ErrorMessage string
	ClaimedBy    string // node name of the worker currently processing this chapter
	ClaimedAt    *time.Time
	UpdatedAt    time.Time
}
