// Package worker implements the per-provider consumer loop: pop one
// task ID from a provider's active batch, hand it to the extraction
// service for its full multi-chapter run, and report a liveness
// heartbeat throughout (spec.md §4.3, grounded on the original
// worker's one-process-per-provider model).
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/kv"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/queue"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/throttle"
)

// TaskProcessor runs the full multi-chapter extraction loop for one
// task ID. internal/extract.Service satisfies this.
type TaskProcessor interface {
	ProcessTask(ctx context.Context, taskID int64) error
}

// HeartbeatKeyPrefix is exported so internal/guard can scan live worker
// hashes when deciding whether a claimed chapter's worker has actually
// died or is merely slow (spec.md §4.7's worker-liveness zombie check).
const HeartbeatKeyPrefix = "kg:worker:"
const heartbeatKeyPrefix = HeartbeatKeyPrefix
const heartbeatTTL = time.Hour

// suspendLogInterval throttles the "provider suspended, sleeping"
// log line so a long suspension doesn't flood the log every poll.
const suspendLogInterval = 120 * time.Second

const (
	minBackoff = time.Second
	maxBackoff = 8 * time.Second
)

// Worker consumes one provider's active batch in a loop until Stop is
// called or its context is cancelled.
type Worker struct {
	provider string
	nodeName string

	kv       *kv.Client
	queue    *queue.Queue
	throttle *throttle.Throttle
	extract  TaskProcessor
	logger   *slog.Logger

	popTimeout time.Duration

	lastSuspendLog time.Time
}

// Option configures a Worker at construction time.
type Option func(*Worker)

// WithPopTimeout overrides the default active-batch pop timeout.
func WithPopTimeout(d time.Duration) Option {
	return func(w *Worker) { w.popTimeout = d }
}

// WithNodeName overrides the node identity recorded in heartbeats,
// default is KG_NODE_NAME then os.Hostname().
func WithNodeName(name string) Option {
	return func(w *Worker) { w.nodeName = name }
}

// New builds a Worker bound to a single provider.
func New(provider string, kvc *kv.Client, q *queue.Queue, th *throttle.Throttle, ex TaskProcessor, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		provider:   provider,
		nodeName:   defaultNodeName(),
		kv:         kvc,
		queue:      q,
		throttle:   th,
		extract:    ex,
		logger:     logger,
		popTimeout: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func defaultNodeName() string {
	if v := os.Getenv("KG_NODE_NAME"); v != "" {
		return v
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

// Run pops task IDs from the provider's active batch until ctx is
// cancelled, processing each one's full chapter backlog before
// popping the next.
func (w *Worker) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if w.throttle.IsSuspended(ctx, w.provider) {
			w.logSuspendedThrottled()
			if !sleepCtx(ctx, w.popTimeout) {
				return ctx.Err()
			}
			continue
		}

		item, ok, err := w.queue.BRPopActive(ctx, w.provider, w.popTimeout)
		if err != nil {
			w.logger.Warn("worker: pop active batch failed, backing off", "provider", w.provider, "error", err)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff
		if !ok {
			continue
		}

		w.processTask(ctx, item.TaskID)
	}
}

func (w *Worker) processTask(ctx context.Context, taskID int64) {
	if err := w.heartbeat(ctx, taskID); err != nil {
		w.logger.Warn("worker: heartbeat write failed", "provider", w.provider, "task_id", taskID, "error", err)
	}
	defer w.clearHeartbeat(ctx)

	if err := w.extract.ProcessTask(ctx, taskID); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error("worker: task processing failed", "provider", w.provider, "task_id", taskID, "error", err)
	}
}

func (w *Worker) heartbeatKey() string {
	return fmt.Sprintf("%s%d", heartbeatKeyPrefix, os.Getpid())
}

func (w *Worker) heartbeat(ctx context.Context, taskID int64) error {
	fields := map[string]any{
		"provider":   w.provider,
		"task_id":    taskID,
		"start_time": time.Now().Unix(),
		"pid":        os.Getpid(),
		"node_name":  w.nodeName,
	}
	return w.kv.HSet(ctx, w.heartbeatKey(), fields, heartbeatTTL)
}

func (w *Worker) clearHeartbeat(ctx context.Context) {
	if err := w.kv.Delete(ctx, w.heartbeatKey()); err != nil {
		w.logger.Warn("worker: clear heartbeat failed", "provider", w.provider, "error", err)
	}
}

func (w *Worker) logSuspendedThrottled() {
	if time.Since(w.lastSuspendLog) < suspendLogInterval {
		return
	}
	w.lastSuspendLog = time.Now()
	w.logger.Info("worker: provider suspended, sleeping", "provider", w.provider)
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// sleepCtx sleeps for d or until ctx is cancelled, returning false in
// the latter case.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
