// Package lock implements the distributed lock described in spec.md
// §5: a scripted set-if-absent with TTL, released only via a scripted
// compare-and-delete so a lock holder never releases a lock it no
// longer owns (e.g. after its TTL expired and another process
// acquired it). The lock value is "<pid>_<uuid>", adapted from
// original_source/src/utils/redis_lock.py's "<pid>_<timestamp>" value.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/kv"
)

// ErrNotHeld is returned by Release when the lock was not held by
// this caller (already expired or stolen by another process).
var ErrNotHeld = errors.New("lock: not held")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Lock represents a held distributed lock.
type Lock struct {
	client *kv.Client
	key    string
	value  string
}

// Acquire attempts to acquire lock:<name> with the given TTL. Returns
// (nil, false, nil) if the lock is currently held by someone else.
func Acquire(ctx context.Context, client *kv.Client, name string, ttl time.Duration) (*Lock, bool, error) {
	key := "lock:" + name
	value := fmt.Sprintf("%d_%s", os.Getpid(), uuid.NewString())

	ok, err := client.Raw().SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{client: client, key: key, value: value}, true, nil
}

// Release performs the compare-and-delete. Safe to call even if the
// lock has already expired; returns ErrNotHeld in that case.
func (l *Lock) Release(ctx context.Context) error {
	res, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.value)
	if err != nil {
		return err
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrNotHeld
	}
	return nil
}

// WithLock runs fn while holding lock:<name>, returning (false, nil)
// without running fn if the lock could not be acquired.
func WithLock(ctx context.Context, client *kv.Client, name string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	l, ok, err := Acquire(ctx, client, name, ttl)
	if err != nil || !ok {
		return false, err
	}
	defer l.Release(ctx)
	return true, fn(ctx)
}
