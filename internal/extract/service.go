// Package extract implements the per-chapter extract-then-persist
// transaction at the center of the pipeline (spec.md §4.5): render a
// prompt for one chapter, call the task's bound provider, validate and
// parse its structured JSON response, upsert the result into the
// graph store, and record the chapter's outcome against the task.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/graph"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/providers"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/rules"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/store"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/task"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/throttle"
)

// Progress is implemented by internal/progress; kept as an interface
// here so extract never imports the pub/sub package directly.
type Progress interface {
	ChapterDone(ctx context.Context, taskID, chapterID int64, status string, err string)
}

// noopProgress discards every event, used when no Progress is wired.
type noopProgress struct{}

func (noopProgress) ChapterDone(context.Context, int64, int64, string, string) {}

// Metrics is implemented by internal/metrics; kept as an interface so
// extract never imports the storage-backed recorder directly.
type Metrics interface {
	RecordCall(ctx context.Context, taskID, chapterID int64, result *providers.ChatResult, callErr error, payload *ExtractionPayload) error
}

// noopMetrics discards every call, used when no Metrics is wired.
type noopMetrics struct{}

func (noopMetrics) RecordCall(context.Context, int64, int64, *providers.ChatResult, error, *ExtractionPayload) error {
	return nil
}

// Service performs the extract-then-persist transaction for one
// chapter at a time and drives the multi-chapter loop for a whole task.
type Service struct {
	tasks     *task.Service
	novels    *store.NovelStore
	chapters  *store.ChapterStore
	providers *providers.Registry
	graph     *graph.Store
	throttle  *throttle.Throttle
	progress  Progress
	metrics   Metrics

	maxContentLength int
	llmTimeout       time.Duration
	nodeName         string

	logger *slog.Logger
}

// New builds a Service. progress may be nil, in which case chapter
// completion events are simply dropped.
func New(
	tasks *task.Service,
	novels *store.NovelStore,
	chapters *store.ChapterStore,
	registry *providers.Registry,
	graphStore *graph.Store,
	th *throttle.Throttle,
	progress Progress,
	metricsRecorder Metrics,
	maxContentLength int,
	llmTimeout time.Duration,
	nodeName string,
	logger *slog.Logger,
) *Service {
	if progress == nil {
		progress = noopProgress{}
	}
	if metricsRecorder == nil {
		metricsRecorder = noopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tasks:            tasks,
		novels:           novels,
		chapters:         chapters,
		providers:        registry,
		graph:            graphStore,
		throttle:         th,
		progress:         progress,
		metrics:          metricsRecorder,
		maxContentLength: maxContentLength,
		llmTimeout:       llmTimeout,
		nodeName:         nodeName,
		logger:           logger,
	}
}

// ProcessTask claims and extracts every pending chapter of taskID in
// a loop, stopping when there is nothing left to claim or when the
// task's provider becomes suspended mid-loop — mirroring the
// original worker's single-task, many-chapters claim pattern so a
// queue pop is never wasted on just one chapter while others of the
// same task sit idle.
func (s *Service) ProcessTask(ctx context.Context, taskID int64) error {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("extract: load task %d: %w", taskID, err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.throttle.IsSuspended(ctx, t.ProviderName) {
			return s.pauseSuspendedTask(ctx, taskID, t.ProviderName, nil)
		}

		ct, err := s.tasks.ClaimNextChapter(ctx, taskID, s.nodeName)
		if err != nil {
			return fmt.Errorf("extract: claim next chapter for task %d: %w", taskID, err)
		}
		if ct == nil {
			return nil
		}

		// The provider can be suspended by another worker between the
		// check above and this claim; re-check with the chapter now in
		// hand so it's released back to pending rather than left
		// claimed under a task that's about to stop (spec.md §4.5 step
		// 1: "If provider became suspended, set task to paused, release
		// chapter, return.").
		if s.throttle.IsSuspended(ctx, t.ProviderName) {
			return s.pauseSuspendedTask(ctx, taskID, t.ProviderName, ct)
		}

		if err := s.processChapter(ctx, t, ct); err != nil {
			s.logger.Warn("extract: chapter processing failed",
				"task_id", taskID, "chapter_task_id", ct.ID, "chapter_id", ct.ChapterID, "error", err)
		}

		t, err = s.tasks.Get(ctx, taskID)
		if err != nil {
			return fmt.Errorf("extract: reload task %d: %w", taskID, err)
		}
	}
}

// pauseSuspendedTask implements the suspend pre-check of spec.md §4.5
// step 1: it requeues ct (if one was claimed) back to pending so no
// chapter is stranded "running" under a task that's about to stop,
// then pauses the task itself. Always returns nil — a suspended
// provider is an expected pause condition, not a processing error.
func (s *Service) pauseSuspendedTask(ctx context.Context, taskID int64, provider string, ct *store.ChapterTaskState) error {
	if ct != nil {
		if err := s.tasks.RequeueChapter(ctx, ct.ID); err != nil {
			s.logger.Warn("extract: could not release in-flight chapter on suspension", "task_id", taskID, "chapter_task_id", ct.ID, "error", err)
		}
	}
	if err := s.tasks.Pause(ctx, taskID); err != nil {
		s.logger.Warn("extract: could not pause task on provider suspension", "task_id", taskID, "provider", provider, "error", err)
	}
	s.logger.Info("extract: provider suspended, paused task and stopped loop", "task_id", taskID, "provider", provider)
	return nil
}

// processChapter runs one extract-then-persist transaction: it never
// returns an error for a provider/content failure (those are recorded
// against the chapter and reported via err == nil), only for
// unrecoverable store/claim failures.
func (s *Service) processChapter(ctx context.Context, t *store.KnowledgeGraphTask, ct *store.ChapterTaskState) error {
	chapter, err := s.chapters.Get(ctx, ct.ChapterID)
	if err != nil {
		return s.failChapter(ctx, t.ID, ct.ID, fmt.Sprintf("load chapter: %v", err))
	}

	novel, err := s.novels.Get(ctx, t.NovelID)
	if err != nil {
		return s.failChapter(ctx, t.ID, ct.ID, fmt.Sprintf("load novel: %v", err))
	}

	client, err := s.resolveProvider(t.ProviderName)
	if err != nil {
		return s.failChapter(ctx, t.ID, ct.ID, fmt.Sprintf("resolve provider: %v", err))
	}

	if err := s.throttle.WaitTurn(ctx, t.ProviderName); err != nil {
		return s.failChapter(ctx, t.ID, ct.ID, fmt.Sprintf("throttle wait: %v", err))
	}

	userPrompt, err := BuildUserPrompt(novel.Title, chapter.Index, chapter.Title, chapter.Content, s.maxContentLength)
	if err != nil {
		return s.failChapter(ctx, t.ID, ct.ID, fmt.Sprintf("render prompt: %v", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.llmTimeout)
	result, callErr := client.Chat(callCtx, &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: SystemPrompt()},
			{Role: "user", Content: userPrompt},
		},
		ResponseFormat: &providers.ResponseFormat{Type: "json_schema"},
		Timeout:        s.llmTimeout,
	})
	cancel()

	kind := providers.Classify(result, callErr)
	if kind != providers.ErrorKindNone {
		s.throttle.IncrementFailure(ctx, t.ProviderName)
		if err := s.metrics.RecordCall(ctx, t.ID, chapter.ID, result, callErr, nil); err != nil {
			s.logger.Warn("extract: record metrics failed", "error", err)
		}
		reason := providerFailureReason(result, callErr)
		return s.failChapter(ctx, t.ID, ct.ID, reason)
	}
	s.throttle.ResetFailures(ctx, t.ProviderName)

	payload, err := parsePayload(result)
	if err != nil {
		if err := s.metrics.RecordCall(ctx, t.ID, chapter.ID, result, nil, nil); err != nil {
			s.logger.Warn("extract: record metrics failed", "error", err)
		}
		return s.failChapter(ctx, t.ID, ct.ID, fmt.Sprintf("parse response: %v", err))
	}

	if err := s.metrics.RecordCall(ctx, t.ID, chapter.ID, result, nil, payload); err != nil {
		s.logger.Warn("extract: record metrics failed", "error", err)
	}

	if err := s.persist(ctx, t.NovelID, chapter, t.ID, payload); err != nil {
		return s.failChapter(ctx, t.ID, ct.ID, fmt.Sprintf("persist: %v", err))
	}

	if err := s.tasks.CompleteChapter(ctx, ct.ID, t.ID); err != nil {
		return fmt.Errorf("complete chapter: %w", err)
	}
	s.progress.ChapterDone(ctx, t.ID, chapter.ID, "completed", "")
	return nil
}

func (s *Service) failChapter(ctx context.Context, taskID, chapterTaskID int64, reason string) error {
	if err := s.tasks.FailChapter(ctx, chapterTaskID, taskID, reason); err != nil {
		return fmt.Errorf("fail chapter: %w", err)
	}
	s.progress.ChapterDone(ctx, taskID, chapterTaskID, "failed", reason)
	return nil
}

// resolveProvider looks the task's bound provider up in the registry,
// using the synthetic rules client for "" or "rules". Any other name
// that was never registered (e.g. missing credentials) returns the
// registry's error; there is no fallback to rules.
func (s *Service) resolveProvider(name string) (providers.LLMClient, error) {
	if name == "" || name == rules.Name {
		return rules.NewClient(), nil
	}
	client, err := s.providers.Get(name)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func providerFailureReason(result *providers.ChatResult, err error) string {
	if err != nil {
		return fmt.Sprintf("transport error: %v", err)
	}
	if result == nil {
		return "empty response"
	}
	if result.ErrorMessage != "" {
		return result.ErrorMessage
	}
	return "provider returned an unsuccessful or empty result"
}

func parsePayload(result *providers.ChatResult) (*ExtractionPayload, error) {
	raw := result.ParsedJSON
	if len(raw) == 0 {
		raw = json.RawMessage(result.Content)
	}
	if err := ValidatePayload(raw); err != nil {
		return nil, err
	}
	var payload ExtractionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal extraction payload: %w", err)
	}
	payload.dedupe()
	return &payload, nil
}

// persist upserts a parsed payload into the graph store: entities
// first (so relations have docIDs to point at), then relations keyed
// by the name each endpoint was upserted under.
func (s *Service) persist(ctx context.Context, novelID int64, chapter *store.Chapter, taskID int64, payload *ExtractionPayload) error {
	chapterID := chapter.ID
	if _, err := s.graph.UpsertChapter(ctx, novelID, chapterID, chapter.Index, chapter.Title); err != nil {
		return fmt.Errorf("upsert chapter node: %w", err)
	}

	docIDByName := make(map[string]string, len(payload.Characters)+len(payload.Locations)+len(payload.Organizations)+len(payload.Events))

	for _, c := range payload.Characters {
		id, err := s.graph.UpsertCharacter(ctx, novelID, c.Name, c.Description, taskID)
		if err != nil {
			return fmt.Errorf("upsert character %q: %w", c.Name, err)
		}
		docIDByName[c.Name] = id
	}
	for _, l := range payload.Locations {
		id, err := s.graph.UpsertLocation(ctx, novelID, l.Name, l.Description, taskID)
		if err != nil {
			return fmt.Errorf("upsert location %q: %w", l.Name, err)
		}
		docIDByName[l.Name] = id
	}
	for _, o := range payload.Organizations {
		id, err := s.graph.UpsertOrganization(ctx, novelID, o.Name, o.Description, taskID)
		if err != nil {
			return fmt.Errorf("upsert organization %q: %w", o.Name, err)
		}
		docIDByName[o.Name] = id
	}
	for _, e := range payload.Events {
		id, err := s.graph.UpsertEvent(ctx, novelID, chapterID, e.Name, e.Description, taskID)
		if err != nil {
			return fmt.Errorf("upsert event %q: %w", e.Name, err)
		}
		docIDByName[e.Name] = id
	}

	for _, r := range payload.Relations {
		fromID, ok := docIDByName[r.From]
		if !ok {
			s.logger.Debug("extract: relation endpoint not among this chapter's entities, skipping", "from", r.From, "to", r.To)
			continue
		}
		toID, ok := docIDByName[r.To]
		if !ok {
			s.logger.Debug("extract: relation endpoint not among this chapter's entities, skipping", "from", r.From, "to", r.To)
			continue
		}
		if _, err := s.graph.UpsertRelation(ctx, novelID, fromID, toID, r.Type, taskID); err != nil {
			return fmt.Errorf("upsert relation %s->%s: %w", r.From, r.To, err)
		}
	}
	return nil
}
