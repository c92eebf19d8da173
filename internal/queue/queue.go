// Package queue implements the per-provider two-level task queue:
// an unbounded main queue that tasks land in when enqueued, and a
// bounded active batch that the scheduler promotes entries into so
// workers only ever contend over a small working set (spec.md §4.1).
package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/kv"
)

// Key prefixes, unchanged from the system this queue replaces so that
// any external monitoring built against them keeps working.
const (
	mainQueuePrefix   = "kg:main_queue:"
	activeBatchPrefix = "kg:active_batch:"

	// DefaultProvider is used whenever a caller passes an empty or
	// blank provider name; the synthetic "rules" extractor has no
	// queue of its own otherwise, and tasks must still land somewhere.
	DefaultProvider = "rules"
)

// Item is a single queued unit of work: one task (by ID) destined for
// one provider.
type Item struct {
	TaskID   int64  `json:"task_id"`
	Provider string `json:"provider"`
}

// Queue provides enqueue/promote/pop operations over a provider's
// main and active-batch lists.
type Queue struct {
	kv *kv.Client
}

// New builds a Queue bound to kvc. kvc should be a blocking-mode
// client when BRPopActive will be called against it, since that call
// can block for up to the caller's timeout.
func New(kvc *kv.Client) *Queue {
	return &Queue{kv: kvc}
}

func normalizeProvider(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if p == "" {
		return DefaultProvider
	}
	return p
}

func mainKey(provider string) string   { return mainQueuePrefix + normalizeProvider(provider) }
func activeKey(provider string) string { return activeBatchPrefix + normalizeProvider(provider) }

// EnqueueToMain appends a task onto its provider's main queue.
func (q *Queue) EnqueueToMain(ctx context.Context, taskID int64, provider string) error {
	body, err := json.Marshal(Item{TaskID: taskID, Provider: normalizeProvider(provider)})
	if err != nil {
		return err
	}
	return q.kv.RPush(ctx, mainKey(provider), string(body))
}

// MainLen returns the number of tasks waiting in a provider's main queue.
func (q *Queue) MainLen(ctx context.Context, provider string) (int64, error) {
	return q.kv.LLen(ctx, mainKey(provider))
}

// ActiveLen returns the number of tasks currently in a provider's
// active batch.
func (q *Queue) ActiveLen(ctx context.Context, provider string) (int64, error) {
	return q.kv.LLen(ctx, activeKey(provider))
}

// loadNextBatchScript atomically moves up to ARGV[1] entries from the
// main queue (KEYS[1]) onto the tail of the active batch (KEYS[2]),
// returning the number moved. Promotion must be atomic: if a worker
// could observe an empty active batch between individual RPOPLPUSH
// calls, the scheduler's next tick would race it into double-loading.
// It is also a no-op whenever the active batch already holds anything
// — load_next_batch(P,B) only ever starts a fresh batch once the
// previous one has fully drained, so two concurrent callers (or a
// caller racing a still-busy batch) never both move entries.
var loadNextBatchScript = redis.NewScript(`
if redis.call('LLEN', KEYS[2]) > 0 then
	return 0
end
local moved = 0
local n = tonumber(ARGV[1])
for i = 1, n do
	local v = redis.call('LPOP', KEYS[1])
	if not v then
		break
	end
	redis.call('RPUSH', KEYS[2], v)
	moved = moved + 1
end
return moved
`)

// LoadNextBatch promotes up to batchSize entries from provider's main
// queue into its active batch and returns how many were moved. It is
// a no-op (and returns 0) if the main queue is already empty, or if
// the active batch is non-empty (still being worked).
func (q *Queue) LoadNextBatch(ctx context.Context, provider string, batchSize int) (int64, error) {
	res, err := q.kv.Eval(ctx, loadNextBatchScript, []string{mainKey(provider), activeKey(provider)}, batchSize)
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

// BRPopActive blocks up to timeout for the next item at the tail of
// provider's active batch. ok is false on timeout with nothing
// available.
func (q *Queue) BRPopActive(ctx context.Context, provider string, timeout time.Duration) (*Item, bool, error) {
	raw, ok, err := q.kv.BRPop(ctx, activeKey(provider), timeout)
	if err != nil || !ok {
		return nil, ok, err
	}
	var item Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, false, err
	}
	return &item, true, nil
}

// PurgeQueue deletes both the main and active lists for provider and
// reports how many entries were discarded in total.
func (q *Queue) PurgeQueue(ctx context.Context, provider string) (int64, error) {
	mk, ak := mainKey(provider), activeKey(provider)
	mainLen, err := q.kv.LLen(ctx, mk)
	if err != nil {
		return 0, err
	}
	activeLen, err := q.kv.LLen(ctx, ak)
	if err != nil {
		return 0, err
	}
	if err := q.kv.Delete(ctx, mk, ak); err != nil {
		return 0, err
	}
	return mainLen + activeLen, nil
}

const chooseProviderRRKey = "kg:provider:choose:rr"

// ChooseProvider implements choose_provider_for_task (spec.md §4.4):
// among candidates still accepting work (suspended reports true for
// any that are currently suspended), pick whichever has the shortest
// combined main+active queue length; ties are broken by round robin
// rather than always favoring the same candidate. If every candidate
// is suspended or candidates is empty, it falls back to the synthetic
// "rules" provider, which has no queue of its own and never fails.
func (q *Queue) ChooseProvider(ctx context.Context, candidates []string, suspended func(string) bool) (string, error) {
	var eligible []string
	seen := make(map[string]bool)
	for _, c := range candidates {
		nc := normalizeProvider(c)
		if nc == DefaultProvider || seen[nc] {
			continue
		}
		if suspended != nil && suspended(nc) {
			continue
		}
		seen[nc] = true
		eligible = append(eligible, nc)
	}
	if len(eligible) == 0 {
		return DefaultProvider, nil
	}

	type depth struct {
		provider string
		length   int64
	}
	depths := make([]depth, 0, len(eligible))
	best := int64(-1)
	for _, c := range eligible {
		mainLen, err := q.MainLen(ctx, c)
		if err != nil {
			return "", err
		}
		activeLen, err := q.ActiveLen(ctx, c)
		if err != nil {
			return "", err
		}
		total := mainLen + activeLen
		depths = append(depths, depth{provider: c, length: total})
		if best == -1 || total < best {
			best = total
		}
	}

	var tied []string
	for _, d := range depths {
		if d.length == best {
			tied = append(tied, d.provider)
		}
	}
	if len(tied) == 1 {
		return tied[0], nil
	}

	n, err := q.kv.Incr(ctx, chooseProviderRRKey, 0)
	if err != nil {
		return tied[0], nil
	}
	idx := int((n - 1) % int64(len(tied)))
	return tied[idx], nil
}

// ActiveProviders lists provider names that currently have at least
// one task waiting in their main queue, the set the batch scheduler
// sweeps every tick.
func (q *Queue) ActiveProviders(ctx context.Context) ([]string, error) {
	keys, err := q.kv.Keys(ctx, mainQueuePrefix+"*")
	if err != nil {
		return nil, err
	}
	var providers []string
	for _, k := range keys {
		provider := strings.TrimPrefix(k, mainQueuePrefix)
		n, err := q.kv.LLen(ctx, k)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			providers = append(providers, provider)
		}
	}
	return providers, nil
}
