package activity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func entryFor(userID int64, kind string) Entry {
	return NewRecord(userID, kind, nil, nil, time.Now()).Entry()
}

func TestBufferAppendPreservesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if err := f.buffer.Append(ctx, 1, entryFor(i, "login")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := f.buffer.Drain(ctx, 1)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Data.UserID != int64(i+1) {
			t.Fatalf("entry %d out of order: user %d", i, e.Data.UserID)
		}
	}

	again, err := f.buffer.Drain(ctx, 1)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected drained shard to be empty, got %d (%v)", len(again), err)
	}
	if f.mr.Exists(shardKey(1)) {
		t.Fatal("expected shard key to be deleted")
	}
}

func TestBufferConcurrentDrainsNeverShareEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buffer := NewBuffer(f.kv, NewRedisLocker(f.client, time.Second, 5*time.Second), f.codec)

	const total = 40
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(user int64) {
			defer wg.Done()
			if err := buffer.Append(ctx, 0, entryFor(user, "login")); err != nil {
				t.Errorf("append: %v", err)
			}
		}(int64(i))
	}
	wg.Wait()

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries, err := buffer.Drain(ctx, 0)
			if err != nil {
				t.Errorf("drain: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, e := range entries {
				seen[e.Data.ID]++
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d distinct entries, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("entry %s drained %d times", id, n)
		}
	}
}

func TestBufferAppendTimesOutOnHeldLock(t *testing.T) {
	f := newFixture(t)
	f.mr.Set(shardLockKey(2), "held")

	err := f.buffer.Append(context.Background(), 2, entryFor(1, "login"))
	if !errors.Is(err, ErrLockTimeout) || !IsRetryable(err) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if f.mr.Exists(shardKey(2)) {
		t.Fatal("append wrote to a shard it never locked")
	}
}

func TestBufferQuarantinesUnreadablePayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mr.Set(shardKey(0), "not zstd")

	entries, err := f.buffer.Drain(ctx, 0)
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty drain, got %d (%v)", len(entries), err)
	}
	if f.mr.Exists(shardKey(0)) {
		t.Fatal("expected unreadable payload to leave the shard key")
	}

	var quarantined int
	for _, k := range f.mr.Keys() {
		if strings.HasPrefix(k, "activity:quarantine:worker-0:") {
			quarantined++
		}
	}
	if quarantined != 1 {
		t.Fatalf("expected one quarantine key, got %d (%v)", quarantined, f.mr.Keys())
	}
}

func TestBufferPendingReportsSizes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.buffer.Append(ctx, 1, entryFor(1, "login")); err != nil {
		t.Fatalf("append: %v", err)
	}

	pending, err := f.buffer.Pending(ctx, 3)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending[0] != 0 || pending[1] == 0 || pending[2] != 0 {
		t.Fatalf("unexpected pending sizes %v", pending)
	}
}
