package activity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

const (
	cursorKey     = "activity:current-worker"
	cursorLockKey = "lock:activity:current-worker"
)

// WorkerCounter reports how many shards producers should currently spread
// over. The count may change between calls.
type WorkerCounter interface {
	Workers(ctx context.Context) int
}

// StaticWorkers is a fixed shard count read once from configuration.
type StaticWorkers int

func (n StaticWorkers) Workers(context.Context) int {
	if n < 1 {
		return 1
	}
	return int(n)
}

// Dispatcher picks the shard for each new record from a shared rotating
// cursor. Spread is best-effort: concurrent callers may land on the same shard.
type Dispatcher struct {
	kv     KV
	locker Locker
}

func NewDispatcher(kv KV, locker Locker) *Dispatcher {
	return &Dispatcher{kv: kv, locker: locker}
}

// Next returns the shard to write to. When the cursor lock cannot be taken in
// time it answers shard 0 with degraded set instead of failing.
func (d *Dispatcher) Next(ctx context.Context, workers int) (shard int, degraded bool, err error) {
	if workers < 1 {
		workers = 1
	}

	lock, err := d.locker.Obtain(ctx, cursorLockKey)
	if errors.Is(err, ErrLockTimeout) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer release(lock, cursorLockKey)

	raw, err := d.kv.Get(ctx, cursorKey)
	if err != nil {
		return 0, false, fmt.Errorf("reading cursor: %w", err)
	}

	current := 0
	if raw != nil {
		if n, perr := strconv.Atoi(string(raw)); perr == nil && n >= 0 && n < workers {
			current = n
		}
	}

	if err := d.kv.Set(ctx, cursorKey, []byte(strconv.Itoa(current+1))); err != nil {
		return 0, false, fmt.Errorf("advancing cursor: %w", err)
	}
	return current, false, nil
}
