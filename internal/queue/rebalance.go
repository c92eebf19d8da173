package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Strategy picks which target queue receives the next migrated task
// during a Reassign.
type Strategy string

const (
	// StrategyShortest re-checks every target's main-queue length
	// before each move and sends the task to whichever is currently
	// shortest, keeping load roughly balanced under uneven drain
	// rates.
	StrategyShortest Strategy = "shortest"
	// StrategyRoundRobin cycles through targets by position, ignoring
	// their current depth.
	StrategyRoundRobin Strategy = "round_robin"
)

// ReassignResult reports what a Reassign call moved.
type ReassignResult struct {
	Moved      int64            `json:"moved"`
	SourceLeft int64            `json:"source_left"`
	PerTarget  map[string]int64 `json:"targets"`
}

// Reassign drains up to maxItems tasks (0 means "all of them") from
// source's main queue onto the targets, used when a provider is
// suspended by the throttle and its queued work must move somewhere
// still accepting requests (spec.md §4.4). The synthetic "rules"
// provider and the source itself are excluded from the target list
// unless excluding them would leave no targets at all, since sending
// suspended-provider work back to itself or silently downgrading
// every task to the non-AI fallback are both surprising defaults a
// caller must opt into explicitly by naming "rules" as the only
// target.
func (q *Queue) Reassign(ctx context.Context, source string, targets []string, maxItems int, strategy Strategy) (*ReassignResult, error) {
	source = normalizeProvider(source)
	targets = filterTargets(source, targets)
	if len(targets) == 0 {
		return &ReassignResult{PerTarget: map[string]int64{}}, nil
	}

	result := &ReassignResult{PerTarget: make(map[string]int64, len(targets))}
	for _, t := range targets {
		result.PerTarget[normalizeProvider(t)] = 0
	}

	// Non-blocking drain: LPOP the source queue one entry at a time so
	// the loop can stop exactly at maxItems or an empty source.
	rr := 0
	for maxItems <= 0 || int(result.Moved) < maxItems {
		item, ok, err := q.lpopMain(ctx, source)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		var target string
		switch strategy {
		case StrategyRoundRobin:
			target = targets[rr%len(targets)]
			rr++
		default: // StrategyShortest
			target, err = q.shortestTarget(ctx, targets)
			if err != nil {
				return nil, err
			}
		}

		item.Provider = normalizeProvider(target)
		if err := q.enqueueItem(ctx, target, item); err != nil {
			return nil, err
		}
		result.Moved++
		result.PerTarget[normalizeProvider(target)]++
	}

	left, err := q.MainLen(ctx, source)
	if err != nil {
		return nil, err
	}
	result.SourceLeft = left
	return result, nil
}

// filterTargets drops source and the synthetic "rules" provider from
// targets unless doing so would leave the list empty, in which case
// the original list is used unmodified — there must always be
// somewhere for reassigned work to go.
func filterTargets(source string, targets []string) []string {
	var filtered []string
	for _, t := range targets {
		nt := normalizeProvider(t)
		if nt == source || nt == DefaultProvider {
			continue
		}
		filtered = append(filtered, nt)
	}
	if len(filtered) == 0 {
		filtered = make([]string, len(targets))
		for i, t := range targets {
			filtered[i] = normalizeProvider(t)
		}
	}
	return filtered
}

func (q *Queue) shortestTarget(ctx context.Context, targets []string) (string, error) {
	best := targets[0]
	bestLen, err := q.MainLen(ctx, best)
	if err != nil {
		return "", err
	}
	for _, t := range targets[1:] {
		n, err := q.MainLen(ctx, t)
		if err != nil {
			return "", err
		}
		if n < bestLen {
			best, bestLen = t, n
		}
	}
	return best, nil
}

func (q *Queue) lpopMain(ctx context.Context, provider string) (*Item, bool, error) {
	raw, err := q.kv.Raw().LPop(ctx, mainKey(provider)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("queue: lpop %s: %w", provider, err)
	}
	var item Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, false, err
	}
	return &item, true, nil
}

func (q *Queue) enqueueItem(ctx context.Context, provider string, item *Item) error {
	return q.EnqueueToMain(ctx, item.TaskID, provider)
}
