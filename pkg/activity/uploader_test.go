package activity

import (
	"context"
	"strings"
	"testing"
)

func recordN(t *testing.T, rec *Recorder, n int, kind string) []Record {
	t.Helper()
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		r, err := rec.Record(context.Background(), Input{UserID: int64(i + 1), Kind: kind})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestUploadWritesEveryShardOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sink := &memorySink{}
	up := NewUploader(f.buffer, f.kv, f.codec, sink, StaticWorkers(3), nil)

	recorded := recordN(t, f.recorder(3), 5, "login")

	res := up.Upload(ctx, Run{ID: "task-1", Attempt: 1})
	if res.Outcome != OutcomeUploaded || res.Err != nil {
		t.Fatalf("expected upload, got %+v", res)
	}
	if res.Rows != 5 || res.FromBackup {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.FieldsAdded != 7 {
		t.Fatalf("expected 7 new fields on an empty table, got %d", res.FieldsAdded)
	}

	ids := sink.ids()
	for _, r := range recorded {
		if ids[r.ID] != 1 {
			t.Fatalf("record %s written %d times", r.ID, ids[r.ID])
		}
	}
	for shard := 0; shard < 3; shard++ {
		if f.mr.Exists(shardKey(shard)) {
			t.Fatalf("shard %d not drained", shard)
		}
	}
}

func TestUploadEmptyBatchAborts(t *testing.T) {
	f := newFixture(t)
	sink := &memorySink{}
	up := NewUploader(f.buffer, f.kv, f.codec, sink, StaticWorkers(4), nil)

	res := up.Upload(context.Background(), Run{ID: "task-empty", Attempt: 1})
	if res.Outcome != OutcomeEmptyAbort || res.Err != nil {
		t.Fatalf("expected empty abort, got %+v", res)
	}
	if sink.updates != 0 || len(sink.rows) != 0 {
		t.Fatalf("empty upload touched the sink: %d updates, %d rows", sink.updates, len(sink.rows))
	}
	if f.mr.Exists(backupKey("task-empty")) {
		t.Fatal("empty upload wrote a backup")
	}
}

func TestFailedUploadIsResumedFromBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	observer := &countingObserver{}
	sink := &memorySink{failInserts: 1}
	up := NewUploader(f.buffer, f.kv, f.codec, sink, StaticWorkers(2), observer)
	rec := f.recorder(2)

	before := recordN(t, rec, 3, "login")

	res := up.Upload(ctx, Run{ID: "task-1", Attempt: 1})
	if res.Outcome != OutcomeRetryableFailure || res.Err == nil {
		t.Fatalf("expected retryable failure, got %+v", res)
	}
	if !f.mr.Exists(backupKey("task-1")) {
		t.Fatal("expected a backup after the failed insert")
	}
	if observer.backups != 1 {
		t.Fatalf("expected one backup observed, got %d", observer.backups)
	}

	after := recordN(t, rec, 2, "logout")

	retry := up.Upload(ctx, Run{ID: "task-1", Attempt: 2})
	if retry.Outcome != OutcomeUploaded || !retry.FromBackup || retry.Rows != 3 {
		t.Fatalf("expected retry to upload the backup, got %+v", retry)
	}
	if f.mr.Exists(backupKey("task-1")) {
		t.Fatal("expected backup to be cleared after a successful retry")
	}

	next := up.Upload(ctx, Run{ID: "task-2", Attempt: 1})
	if next.Outcome != OutcomeUploaded || next.Rows != 2 {
		t.Fatalf("expected the newer records in the next run, got %+v", next)
	}

	ids := sink.ids()
	if len(ids) != 5 {
		t.Fatalf("expected 5 distinct rows, got %d", len(ids))
	}
	for _, r := range append(before, after...) {
		if ids[r.ID] != 1 {
			t.Fatalf("record %s written %d times", r.ID, ids[r.ID])
		}
	}
}

func TestRetryWithoutBackupDrains(t *testing.T) {
	f := newFixture(t)
	sink := &memorySink{}
	up := NewUploader(f.buffer, f.kv, f.codec, sink, StaticWorkers(1), nil)
	recordN(t, f.recorder(1), 2, "login")

	res := up.Upload(context.Background(), Run{ID: "task-forced", Attempt: 1, Forced: true})
	if res.Outcome != OutcomeUploaded || res.FromBackup || res.Rows != 2 {
		t.Fatalf("expected forced run to fall back to draining, got %+v", res)
	}
}

func TestUploadDrainsShardsBeyondWorkerCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sink := &memorySink{}
	up := NewUploader(f.buffer, f.kv, f.codec, sink, StaticWorkers(2), nil)

	for _, shard := range []int{0, 2, 3} {
		if err := f.buffer.Append(ctx, shard, entryFor(int64(shard), "login")); err != nil {
			t.Fatalf("append shard %d: %v", shard, err)
		}
	}

	res := up.Upload(ctx, Run{ID: "task-1", Attempt: 1})
	if res.Outcome != OutcomeUploaded || res.Rows != 3 {
		t.Fatalf("expected all three shards uploaded, got %+v", res)
	}
}

func TestUploadLockTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	observer := &countingObserver{}
	sink := &memorySink{}
	up := NewUploader(f.buffer, f.kv, f.codec, sink, StaticWorkers(2), observer)

	if err := f.buffer.Append(ctx, 0, entryFor(1, "login")); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.mr.Set(shardLockKey(1), "held")

	res := up.Upload(ctx, Run{ID: "task-1", Attempt: 1})
	if res.Outcome != OutcomeRetryableFailure || !IsRetryable(res.Err) {
		t.Fatalf("expected retryable lock failure, got %+v", res)
	}
	if observer.lockTimeouts["drain"] != 1 {
		t.Fatalf("expected drain lock timeout observed, got %v", observer.lockTimeouts)
	}
	if !f.mr.Exists(backupKey("task-1")) {
		t.Fatal("records drained before the timeout must be backed up")
	}

	f.mr.Del(shardLockKey(1))
	retry := up.Upload(ctx, Run{ID: "task-1", Attempt: 2})
	if retry.Outcome != OutcomeUploaded || retry.Rows != 1 || !retry.FromBackup {
		t.Fatalf("expected retry to upload the backed up record, got %+v", retry)
	}
}

func TestUnreadableBackupIsQuarantined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sink := &memorySink{}
	up := NewUploader(f.buffer, f.kv, f.codec, sink, StaticWorkers(1), nil)

	f.mr.Set(backupKey("task-1"), "written by another codec")
	recordN(t, f.recorder(1), 2, "login")

	res := up.Upload(ctx, Run{ID: "task-1", Attempt: 2})
	if res.Outcome != OutcomeUploaded || res.FromBackup || res.Rows != 2 {
		t.Fatalf("expected retry to fall back to draining, got %+v", res)
	}
	if f.mr.Exists(backupKey("task-1")) {
		t.Fatal("unreadable backup left in place")
	}
	quarantined := 0
	for _, key := range f.mr.Keys() {
		if strings.HasPrefix(key, "activity:quarantine:backup:task-1:") {
			quarantined++
			if raw, _ := f.mr.Get(key); raw != "written by another codec" {
				t.Fatalf("quarantined payload changed: %q", raw)
			}
		}
	}
	if quarantined != 1 {
		t.Fatalf("expected one quarantined backup, got keys %v", f.mr.Keys())
	}
}
