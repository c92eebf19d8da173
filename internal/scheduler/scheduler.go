// Package scheduler runs the periodic batch-promotion job that moves
// queued task IDs from each provider's main queue into its bounded
// active batch, mirroring the original batch scheduler's
// initialize-then-tick loop (spec.md §4.2).
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/kv"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/queue"
)

// statusKey is where the scheduler's heartbeat/status is written,
// matching the kg_batch_scheduler.info key the original scheduler used.
const statusKey = "kg:batch_scheduler:info"
const statusTTL = 300 * time.Second

// Scheduler periodically loads the next batch for every provider
// whose active batch has drained, so workers never block on an empty
// active batch while work sits in the main queue.
type Scheduler struct {
	kv        *kv.Client
	queue     *queue.Queue
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	mu      sync.Mutex
	lastRun time.Time
}

// New builds a Scheduler.
func New(kvc *kv.Client, q *queue.Queue, interval time.Duration, batchSize int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Scheduler{kv: kvc, queue: q, interval: interval, batchSize: batchSize, logger: logger}
}

// Run initializes every active provider's batch once, then ticks at
// the configured interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.tick(ctx); err != nil {
		s.logger.Warn("scheduler: initial batch load failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Warn("scheduler: batch load tick failed", "error", err)
			}
		}
	}
}

// tick loads the next batch for every provider with an empty active
// batch and a nonempty main queue, the same condition the original
// scheduler's _check_and_load_batches used.
func (s *Scheduler) tick(ctx context.Context) error {
	providers, err := s.queue.ActiveProviders(ctx)
	if err != nil {
		return err
	}

	for _, provider := range providers {
		activeLen, err := s.queue.ActiveLen(ctx, provider)
		if err != nil {
			s.logger.Warn("scheduler: active len check failed", "provider", provider, "error", err)
			continue
		}
		if activeLen > 0 {
			continue
		}

		moved, err := s.queue.LoadNextBatch(ctx, provider, s.batchSize)
		if err != nil {
			s.logger.Warn("scheduler: load next batch failed", "provider", provider, "error", err)
			continue
		}
		if moved > 0 {
			s.logger.Info("scheduler: loaded batch", "provider", provider, "moved", moved)
		}
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	return s.writeStatus(ctx)
}

// writeStatus records the scheduler's heartbeat, mirroring the
// original's kg_batch_scheduler.info Redis key so an operator can
// check scheduler liveness the same way.
func (s *Scheduler) writeStatus(ctx context.Context) error {
	s.mu.Lock()
	lastRun := s.lastRun
	s.mu.Unlock()

	fields := map[string]any{
		"running":        "true",
		"check_interval": s.interval.Seconds(),
		"batch_size":     s.batchSize,
		"last_run":       lastRun.Unix(),
		"scheduler_type": "ticker",
	}
	return s.kv.HSet(ctx, statusKey, fields, statusTTL)
}
