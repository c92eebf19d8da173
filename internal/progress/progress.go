// Package progress fans chapter-completion events out over Redis
// pub/sub so external consumers (a dashboard, a CLI follow command)
// can observe task progress without polling PostgreSQL (spec.md §4.8).
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/kv"
)

// Channel is the Redis pub/sub channel every chapter event is
// published to.
const Channel = "kg_progress"

// EventType identifies the kind of progress message on Channel. The
// pipeline only emits chapter_done today, but the type field lets
// future event kinds share the channel without breaking subscribers.
const EventType = "kg_task_progress"

// Event is one chapter-completion notification.
type Event struct {
	Type      string    `json:"type"`
	TaskID    int64     `json:"task_id"`
	ChapterID int64     `json:"chapter_id"`
	Status    string    `json:"status"` // "completed" or "failed"
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher publishes chapter events to Redis, satisfying
// internal/extract.Progress.
type Publisher struct {
	kv     *kv.Client
	logger *slog.Logger
	clock  func() time.Time
}

// New builds a Publisher.
func New(kvc *kv.Client, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{kv: kvc, logger: logger, clock: time.Now}
}

// ChapterDone publishes a completion or failure event for one chapter.
func (p *Publisher) ChapterDone(ctx context.Context, taskID, chapterID int64, status string, errMsg string) {
	evt := Event{
		Type:      EventType,
		TaskID:    taskID,
		ChapterID: chapterID,
		Status:    status,
		Error:     errMsg,
		At:        p.clock(),
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		p.logger.Warn("progress: marshal event failed", "task_id", taskID, "chapter_id", chapterID, "error", err)
		return
	}
	if err := p.kv.Publish(ctx, Channel, string(raw)); err != nil {
		p.logger.Warn("progress: publish failed", "task_id", taskID, "chapter_id", chapterID, "error", err)
	}
}

// Subscriber relays Channel events to a callback until ctx is
// cancelled, used by a CLI follow command or an external dashboard.
type Subscriber struct {
	kv     *kv.Client
	logger *slog.Logger
}

// NewSubscriber builds a Subscriber. kvc should be a pub/sub-dedicated
// client (kv.NewPubSub), per spec.md §5's isolated-pool guidance.
func NewSubscriber(kvc *kv.Client, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{kv: kvc, logger: logger}
}

// Listen subscribes to Channel and invokes onEvent for every message
// until ctx is cancelled or the subscription errors. Malformed
// messages are logged and skipped rather than aborting the loop.
func (s *Subscriber) Listen(ctx context.Context, onEvent func(Event)) error {
	sub := s.kv.Subscribe(ctx, Channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				s.logger.Warn("progress: malformed event payload, skipping", "error", err)
				continue
			}
			onEvent(evt)
		}
	}
}
