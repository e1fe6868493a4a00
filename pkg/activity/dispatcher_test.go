package activity

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestDispatcherCyclesThroughShards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var got []int
	for i := 0; i < 7; i++ {
		shard, degraded, err := f.dispatcher.Next(ctx, 3)
		if err != nil || degraded {
			t.Fatalf("next: shard=%d degraded=%v err=%v", shard, degraded, err)
		}
		got = append(got, shard)
	}
	want := []int{0, 1, 2, 0, 1, 2, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDispatcherResetsCursorOutOfRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, raw := range []string{"9", "garbage", "-3"} {
		f.mr.Set(cursorKey, raw)
		shard, _, err := f.dispatcher.Next(ctx, 4)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if shard != 0 {
			t.Fatalf("cursor %q: expected shard 0, got %d", raw, shard)
		}
		if v, _ := f.mr.Get(cursorKey); v != "1" {
			t.Fatalf("cursor %q: expected cursor 1 after reset, got %q", raw, v)
		}
	}
}

func TestDispatcherDegradesWhenCursorLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mr.Set(cursorKey, "2")
	f.mr.Set(cursorLockKey, "held-by-someone-else")

	shard, degraded, err := f.dispatcher.Next(ctx, 4)
	if err != nil {
		t.Fatalf("expected degraded dispatch, got error %v", err)
	}
	if shard != 0 || !degraded {
		t.Fatalf("expected shard 0 degraded, got %d %v", shard, degraded)
	}
	if v, _ := f.mr.Get(cursorKey); v != "2" {
		t.Fatalf("degraded dispatch moved the cursor to %q", v)
	}
}

func TestPropertyDispatcherRoundRobin(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("the n-th dispatch from a fresh cursor lands on n mod workers", prop.ForAll(
		func(workers, calls int) bool {
			d := NewDispatcher(newMemKV(), NewLocalLocker(time.Second))
			for n := 0; n < calls; n++ {
				shard, degraded, err := d.Next(context.Background(), workers)
				if err != nil || degraded || shard != n%workers {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}
