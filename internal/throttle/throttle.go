// Package throttle implements per-provider consecutive-failure
// suspension and request-rate limiting (spec.md §4.4). State lives in
// Redis so every worker process observes the same suspension/rate
// state, with an in-process fallback for when Redis is unreachable.
package throttle

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/kv"
)

const (
	suspendKeyPrefix       = "ai:provider:suspend:"
	failKeyPrefix          = "ai:provider:fail:"
	lastRequestKeyPrefix   = "ai:provider:last_request:"
	MaxConsecutiveFailures = 3
	SuspendDuration        = 10 * time.Minute
	FailureCounterTTL      = 24 * time.Hour
	LastRequestTTL         = 24 * time.Hour
	RateLimitCacheTTL      = 60 * time.Second
	DefaultRateLimitSecs   = 10
)

// RateLimitSource supplies a provider's configured minimum request
// interval, in seconds (0 means unlimited). cmd/kgworker adapts
// internal/store.ProviderStore to this interface.
type RateLimitSource interface {
	RateLimitSeconds(ctx context.Context, provider string) (int, error)
}

// SuspendHook is invoked after a provider transitions into suspension,
// so the caller can reassign its active work elsewhere. It mirrors the
// deferred import the system this replaces used to avoid a circular
// dependency between the throttle and worker-pool modules; here the
// indirection is a field set at wiring time instead.
type SuspendHook func(ctx context.Context, provider string) (reassigned int64, err error)

// Throttle tracks per-provider failure streaks, suspension windows,
// and request pacing.
type Throttle struct {
	kv     *kv.Client
	rates  RateLimitSource
	logger *slog.Logger

	onSuspend SuspendHook

	mu            sync.Mutex
	memFailures   map[string]int
	memSuspended  map[string]time.Time
	memLastReq    map[string]time.Time
	rateCache     map[string]cachedRate
	localLimiters map[string]*rate.Limiter
}

type cachedRate struct {
	seconds int
	at      time.Time
}

// New builds a Throttle. rates may be nil, in which case every
// provider is treated as having the DefaultRateLimitSecs interval.
func New(kvc *kv.Client, rates RateLimitSource, logger *slog.Logger) *Throttle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttle{
		kv:            kvc,
		rates:         rates,
		logger:        logger,
		memFailures:   make(map[string]int),
		memSuspended:  make(map[string]time.Time),
		memLastReq:    make(map[string]time.Time),
		rateCache:     make(map[string]cachedRate),
		localLimiters: make(map[string]*rate.Limiter),
	}
}

// SetSuspendHook wires the callback fired when a provider is newly
// suspended.
func (t *Throttle) SetSuspendHook(hook SuspendHook) {
	t.onSuspend = hook
}

func suspendKey(provider string) string     { return suspendKeyPrefix + provider }
func failKey(provider string) string        { return failKeyPrefix + provider }
func lastRequestKey(provider string) string { return lastRequestKeyPrefix + provider }

// IsSuspended reports whether provider is currently within a
// suspension window.
func (t *Throttle) IsSuspended(ctx context.Context, provider string) bool {
	if provider == "" {
		return false
	}
	exists, err := t.kv.Exists(ctx, suspendKey(provider))
	if err == nil {
		return exists
	}
	t.logger.Warn("throttle: kv unavailable for suspend check, using memory", "provider", provider, "error", err)

	t.mu.Lock()
	defer t.mu.Unlock()
	until, ok := t.memSuspended[provider]
	if !ok {
		return false
	}
	if time.Now().Before(until) {
		return true
	}
	delete(t.memSuspended, provider)
	return false
}

// FailureCount returns the current consecutive-failure streak.
func (t *Throttle) FailureCount(ctx context.Context, provider string) int {
	if provider == "" {
		return 0
	}
	v, err := t.kv.Get(ctx, failKey(provider))
	if err == nil {
		n, _ := strconv.Atoi(v)
		return n
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.memFailures[provider]
}

// ResetFailures clears provider's consecutive-failure streak, called
// after a successful call.
func (t *Throttle) ResetFailures(ctx context.Context, provider string) {
	if provider == "" {
		return
	}
	if err := t.kv.Delete(ctx, failKey(provider)); err != nil {
		t.logger.Warn("throttle: reset failures kv delete failed", "provider", provider, "error", err)
	}
	t.mu.Lock()
	delete(t.memFailures, provider)
	t.mu.Unlock()
}

// IncrementFailure records a failed call against provider. Once the
// streak reaches MaxConsecutiveFailures the provider is suspended for
// SuspendDuration and the streak resets; the return value reports the
// post-increment streak (0 if it just triggered a suspension) and
// whether the provider is now suspended.
func (t *Throttle) IncrementFailure(ctx context.Context, provider string) (count int, suspended bool) {
	if provider == "" {
		return 0, false
	}
	if t.IsSuspended(ctx, provider) {
		return t.FailureCount(ctx, provider), true
	}

	newCount := t.bumpFailureCount(ctx, provider)

	if newCount >= MaxConsecutiveFailures {
		t.logger.Warn("provider exceeded consecutive failure threshold, suspending",
			"provider", provider, "failures", newCount, "suspend_for", SuspendDuration)
		t.suspend(ctx, provider, SuspendDuration)
		t.ResetFailures(ctx, provider)
		return 0, true
	}
	return newCount, false
}

func (t *Throttle) bumpFailureCount(ctx context.Context, provider string) int {
	n, err := t.kv.Incr(ctx, failKey(provider), FailureCounterTTL)
	if err == nil {
		return int(n)
	}
	t.logger.Warn("throttle: kv unavailable for failure increment, using memory", "provider", provider, "error", err)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.memFailures[provider]++
	return t.memFailures[provider]
}

func (t *Throttle) suspend(ctx context.Context, provider string, d time.Duration) {
	if err := t.kv.Set(ctx, suspendKey(provider), strconv.FormatInt(time.Now().Add(d).Unix(), 10), d); err != nil {
		t.logger.Warn("throttle: kv unavailable for suspend, using memory", "provider", provider, "error", err)
		t.mu.Lock()
		t.memSuspended[provider] = time.Now().Add(d)
		t.mu.Unlock()
	}

	if t.onSuspend == nil {
		return
	}
	reassigned, err := t.onSuspend(ctx, provider)
	if err != nil {
		t.logger.Error("throttle: reassigning suspended provider's active tasks failed", "provider", provider, "error", err)
		return
	}
	if reassigned > 0 {
		t.logger.Info("reassigned active tasks after provider suspension", "provider", provider, "count", reassigned)
	}
}

// SuspendManually puts provider into suspension for d immediately,
// for operator-triggered suspension outside the failure-streak path.
func (t *Throttle) SuspendManually(ctx context.Context, provider string, d time.Duration) {
	t.suspend(ctx, provider, d)
}

// ClearSuspension lifts a suspension immediately.
func (t *Throttle) ClearSuspension(ctx context.Context, provider string) {
	if provider == "" {
		return
	}
	if err := t.kv.Delete(ctx, suspendKey(provider)); err != nil {
		t.logger.Warn("throttle: clear suspension kv delete failed", "provider", provider, "error", err)
	}
	t.mu.Lock()
	delete(t.memSuspended, provider)
	t.mu.Unlock()
}

// RateLimitSeconds returns provider's configured minimum request
// interval, consulting RateLimitSource at most once per
// RateLimitCacheTTL.
func (t *Throttle) RateLimitSeconds(ctx context.Context, provider string) int {
	if provider == "" {
		return 0
	}
	t.mu.Lock()
	if c, ok := t.rateCache[provider]; ok && time.Since(c.at) < RateLimitCacheTTL {
		t.mu.Unlock()
		return c.seconds
	}
	t.mu.Unlock()

	secs := DefaultRateLimitSecs
	if t.rates != nil {
		if v, err := t.rates.RateLimitSeconds(ctx, provider); err == nil {
			secs = v
		} else {
			t.logger.Warn("throttle: rate limit lookup failed, using default", "provider", provider, "error", err)
		}
	}

	t.mu.Lock()
	t.rateCache[provider] = cachedRate{seconds: secs, at: time.Now()}
	t.mu.Unlock()
	return secs
}

// ShouldWaitForRateLimit reports whether a call to provider right now
// would violate its configured interval, and if so, how long to wait.
func (t *Throttle) ShouldWaitForRateLimit(ctx context.Context, provider string) (bool, time.Duration) {
	if provider == "" {
		return false, 0
	}
	interval := t.RateLimitSeconds(ctx, provider)
	if interval <= 0 {
		return false, 0
	}

	last, ok := t.lastRequestTime(ctx, provider)
	if !ok {
		return false, 0
	}
	elapsed := time.Since(last)
	minInterval := time.Duration(interval) * time.Second
	if elapsed < minInterval {
		return true, minInterval - elapsed
	}
	return false, 0
}

func (t *Throttle) lastRequestTime(ctx context.Context, provider string) (time.Time, bool) {
	v, err := t.kv.Get(ctx, lastRequestKey(provider))
	if err == nil {
		if v == "" {
			return time.Time{}, false
		}
		sec, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return time.Time{}, false
		}
		return time.Unix(int64(sec), 0), true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.memLastReq[provider]
	return last, ok
}

// RecordRequestTime stamps the current time as provider's most recent
// call, used by ShouldWaitForRateLimit. It is a no-op for providers
// with no configured interval.
func (t *Throttle) RecordRequestTime(ctx context.Context, provider string) {
	if provider == "" {
		return
	}
	if t.RateLimitSeconds(ctx, provider) <= 0 {
		return
	}
	now := time.Now()
	val := strconv.FormatFloat(float64(now.Unix()), 'f', -1, 64)
	if err := t.kv.Set(ctx, lastRequestKey(provider), val, LastRequestTTL); err != nil {
		t.logger.Warn("throttle: kv unavailable for request-time record, using memory", "provider", provider, "error", err)
		t.mu.Lock()
		t.memLastReq[provider] = now
		t.mu.Unlock()
	}
}

// LocalLimiter returns (creating if necessary) an in-process
// golang.org/x/time/rate limiter for provider, sized to its
// configured interval. This backs workers that want to self-pace
// between Redis-confirmed permit checks rather than hammer Redis on
// every single request.
func (t *Throttle) LocalLimiter(ctx context.Context, provider string) *rate.Limiter {
	secs := t.RateLimitSeconds(ctx, provider)

	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.localLimiters[provider]; ok {
		return l
	}
	var l *rate.Limiter
	if secs <= 0 {
		l = rate.NewLimiter(rate.Inf, 1)
	} else {
		l = rate.NewLimiter(rate.Every(time.Duration(secs)*time.Second), 1)
	}
	t.localLimiters[provider] = l
	return l
}

// tryAcquirePermitScript atomically checks provider's last-request
// timestamp against its configured interval and, if enough time has
// elapsed (or no interval applies), stamps the current time and grants
// the permit in the same round trip. Checking and recording as two
// separate calls lets two concurrent workers both read an empty or
// stale timestamp and both proceed; spec.md §4.2 requires
// try_acquire_permit to "execute as one indivisible unit" so that K
// concurrent callers within interval seconds grant exactly one permit.
// Returns {1, 0} when granted, or {0, seconds_remaining} when the
// caller must wait. now is passed in by the caller (rather than read
// from Redis's clock) so behavior matches the rest of this package,
// which already stamps last-request times using the caller's clock.
var tryAcquirePermitScript = redis.NewScript(`
local interval = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
if interval <= 0 then
	return {1, 0}
end
local last = redis.call('GET', KEYS[1])
if last then
	local elapsed = now - tonumber(last)
	if elapsed < interval then
		return {0, interval - elapsed}
	end
end
redis.call('SET', KEYS[1], tostring(now), 'EX', ttl)
return {1, 0}
`)

// tryAcquirePermit runs tryAcquirePermitScript and reports whether the
// permit was granted and, if not, how long the caller should wait
// before retrying.
func (t *Throttle) tryAcquirePermit(ctx context.Context, provider string) (granted bool, wait time.Duration, err error) {
	interval := t.RateLimitSeconds(ctx, provider)
	now := time.Now().Unix()
	res, err := t.kv.Eval(ctx, tryAcquirePermitScript, []string{lastRequestKey(provider)}, interval, int(LastRequestTTL.Seconds()), now)
	if err != nil {
		return false, 0, err
	}
	parts, ok := res.([]any)
	if !ok || len(parts) != 2 {
		return false, 0, fmt.Errorf("throttle: unexpected try_acquire_permit result %#v", res)
	}
	granted = toInt64(parts[0]) == 1
	if granted {
		return true, 0, nil
	}
	remaining := toFloat64(parts[1])
	return false, time.Duration(remaining * float64(time.Second)), nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

// WaitTurn blocks until provider's local rate limiter and the
// Redis-scripted permit both admit another call. When Redis is
// unreachable it falls back to the non-atomic check-then-record pair,
// which is safe within a single process but not across workers.
func (t *Throttle) WaitTurn(ctx context.Context, provider string) error {
	if err := t.LocalLimiter(ctx, provider).Wait(ctx); err != nil {
		return fmt.Errorf("throttle: local rate limiter wait: %w", err)
	}

	for {
		granted, wait, err := t.tryAcquirePermit(ctx, provider)
		if err != nil {
			t.logger.Warn("throttle: kv unavailable for permit script, using memory fallback", "provider", provider, "error", err)
			return t.waitTurnLocalFallback(ctx, provider)
		}
		if granted {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}

// waitTurnLocalFallback reproduces WaitTurn's pacing using the
// in-process maps when Redis cannot run the scripted permit check.
// It is only correct within a single process, but a single process is
// all this path is reached for.
func (t *Throttle) waitTurnLocalFallback(ctx context.Context, provider string) error {
	if wait, d := t.ShouldWaitForRateLimit(ctx, provider); wait {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.RecordRequestTime(ctx, provider)
	return nil
}
