package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/academy-platform/activity/pkg/common/logger"
	"github.com/sirupsen/logrus"
)

// Sink is the destination table of an upload.
type Sink interface {
	Schema(ctx context.Context) ([]SchemaField, error)
	UpdateSchema(ctx context.Context, additions []SchemaField) error
	BulkInsert(ctx context.Context, rows []Row) error
}

type Outcome int

const (
	OutcomeUploaded Outcome = iota
	OutcomeEmptyAbort
	OutcomeRetryableFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUploaded:
		return "uploaded"
	case OutcomeEmptyAbort:
		return "empty"
	case OutcomeRetryableFailure:
		return "retry"
	}
	return "unknown"
}

// Run identifies one scheduled upload and its retries. ID keys the backup
// slot, so every retry of a run must reuse it.
type Run struct {
	ID      string
	Attempt int
	// Forced runs were restarted by an operator and always look for a backup.
	Forced bool
}

func (r Run) firstAttempt() bool {
	return r.Attempt <= 1 && !r.Forced
}

type Result struct {
	Outcome     Outcome
	Rows        int
	FieldsAdded int
	FromBackup  bool
	Err         error
}

func backupKey(runID string) string { return "activity:backup:" + runID }

type Uploader struct {
	buffer   *Buffer
	kv       KV
	codec    Codec
	sink     Sink
	workers  WorkerCounter
	observer Observer
}

func NewUploader(buffer *Buffer, kv KV, codec Codec, sink Sink, workers WorkerCounter, observer Observer) *Uploader {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Uploader{
		buffer:   buffer,
		kv:       kv,
		codec:    codec,
		sink:     sink,
		workers:  workers,
		observer: observer,
	}
}

// Upload drains the shards (or resumes the run's backup on a retry), extends
// the destination schema with any new fields and bulk inserts the batch. Any
// failure after records left the shards persists them to the run's backup
// slot before returning OutcomeRetryableFailure.
func (u *Uploader) Upload(ctx context.Context, run Run) Result {
	start := time.Now()
	res := u.upload(ctx, run)

	u.observer.UploadFinished(res.Outcome.String(), res.Rows, res.FieldsAdded, time.Since(start))
	entry := logger.Log.WithFields(logrus.Fields{
		"run_id":       run.ID,
		"attempt":      run.Attempt,
		"outcome":      res.Outcome.String(),
		"rows":         res.Rows,
		"fields_added": res.FieldsAdded,
		"from_backup":  res.FromBackup,
	})
	if res.Err != nil {
		entry.WithError(res.Err).Warn("activity upload failed")
	} else {
		entry.Info("activity upload finished")
	}
	return res
}

func (u *Uploader) upload(ctx context.Context, run Run) Result {
	var (
		batch      []Entry
		fromBackup bool
		err        error
	)

	if !run.firstAttempt() {
		batch, err = u.loadBackup(ctx, run.ID)
		if err != nil {
			return Result{Outcome: OutcomeRetryableFailure, Err: err}
		}
		fromBackup = batch != nil
	}

	if !fromBackup {
		batch, err = u.drainAll(ctx)
		if err != nil {
			if errors.Is(err, ErrLockTimeout) {
				u.observer.LockTimeout("drain")
			}
			if len(batch) > 0 {
				if berr := u.saveBackup(ctx, run.ID, batch); berr != nil {
					err = errors.Join(err, berr)
				}
			}
			return Result{Outcome: OutcomeRetryableFailure, Err: err}
		}
	}

	if len(batch) == 0 {
		if derr := u.kv.Delete(ctx, backupKey(run.ID)); derr != nil {
			logger.Log.WithError(derr).WithField("run_id", run.ID).Warn("failed to clear activity backup")
		}
		return Result{Outcome: OutcomeEmptyAbort}
	}

	res := Result{Rows: len(batch), FromBackup: fromBackup}
	if err := u.write(ctx, batch, &res); err != nil {
		if berr := u.saveBackup(ctx, run.ID, batch); berr != nil {
			err = errors.Join(err, berr)
		}
		res.Outcome = OutcomeRetryableFailure
		res.Err = err
		return res
	}

	if fromBackup {
		if err := u.kv.Delete(ctx, backupKey(run.ID)); err != nil {
			logger.Log.WithError(err).WithField("run_id", run.ID).Warn("failed to clear activity backup")
		}
	}
	res.Outcome = OutcomeUploaded
	return res
}

// drainAll empties shards 0..N and keeps going while shards past N still hold
// data, so records written before a scale-down are not stranded. On error the
// entries drained so far are returned alongside it.
func (u *Uploader) drainAll(ctx context.Context) ([]Entry, error) {
	workers := u.workers.Workers(ctx)

	var batch []Entry
	for shard := 0; ; shard++ {
		entries, err := u.buffer.Drain(ctx, shard)
		if err != nil {
			return batch, fmt.Errorf("draining shard %d: %w", shard, err)
		}
		batch = append(batch, entries...)
		if shard >= workers && len(entries) == 0 {
			return batch, nil
		}
	}
}

func (u *Uploader) write(ctx context.Context, batch []Entry, res *Result) error {
	existing, err := u.sink.Schema(ctx)
	if err != nil {
		return fmt.Errorf("reading destination schema: %w", err)
	}

	declared := make([][]SchemaField, 0, len(batch))
	rows := make([]Row, 0, len(batch))
	for _, e := range batch {
		declared = append(declared, e.Schema)
		rows = append(rows, e.Data.Row())
	}

	if additions := Delta(existing, declared...); len(additions) > 0 {
		if err := u.sink.UpdateSchema(ctx, additions); err != nil {
			return fmt.Errorf("updating destination schema: %w", err)
		}
		res.FieldsAdded = countFields(additions)
	}

	if err := u.sink.BulkInsert(ctx, rows); err != nil {
		return fmt.Errorf("bulk insert of %d rows: %w", len(rows), err)
	}
	return nil
}

func (u *Uploader) loadBackup(ctx context.Context, runID string) ([]Entry, error) {
	payload, err := u.kv.Get(ctx, backupKey(runID))
	if err != nil {
		return nil, fmt.Errorf("reading backup: %w", err)
	}
	if payload == nil {
		return nil, nil
	}
	entries, err := decodeEntries(u.codec, payload)
	if err != nil {
		if qerr := u.quarantineBackup(ctx, runID, payload, err); qerr != nil {
			return nil, fmt.Errorf("decoding backup: %w", errors.Join(err, qerr))
		}
		return nil, nil
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// quarantineBackup moves a backup the codec cannot read aside so the run can
// fall back to draining instead of failing every retry.
func (u *Uploader) quarantineBackup(ctx context.Context, runID string, payload []byte, cause error) error {
	aside := fmt.Sprintf("activity:quarantine:backup:%s:%d", runID, time.Now().UnixNano())
	if err := u.kv.Set(ctx, aside, payload); err != nil {
		return err
	}
	if err := u.kv.Delete(ctx, backupKey(runID)); err != nil {
		return err
	}
	logger.Log.WithError(cause).WithFields(logrus.Fields{
		"run_id": runID,
		"key":    aside,
		"bytes":  len(payload),
	}).Error("unreadable activity backup moved to quarantine")
	return nil
}

func (u *Uploader) saveBackup(ctx context.Context, runID string, batch []Entry) error {
	payload, err := encodeEntries(u.codec, batch)
	if err != nil {
		return err
	}
	if err := u.kv.Set(ctx, backupKey(runID), payload); err != nil {
		logger.Log.WithError(err).WithFields(logrus.Fields{
			"run_id":  runID,
			"records": len(batch),
		}).Error("failed to persist activity backup")
		return fmt.Errorf("persisting backup: %w", err)
	}
	u.observer.BackupWritten(len(batch))
	return nil
}

func countFields(fields []SchemaField) int {
	n := 0
	for _, f := range fields {
		if f.IsStruct() {
			n += len(f.Fields)
			continue
		}
		n++
	}
	return n
}
