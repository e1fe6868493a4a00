package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/academy-platform/activity/pkg/common/logger"
	"github.com/sirupsen/logrus"
)

func shardKey(shard int) string     { return fmt.Sprintf("activity:worker-%d", shard) }
func shardLockKey(shard int) string { return fmt.Sprintf("lock:activity:worker-%d", shard) }

// Buffer is the set of lock-protected shard queues records wait in until the
// uploader drains them. Within a shard append order is preserved.
type Buffer struct {
	kv     KV
	locker Locker
	codec  Codec
}

func NewBuffer(kv KV, locker Locker, codec Codec) *Buffer {
	return &Buffer{kv: kv, locker: locker, codec: codec}
}

// Append adds entry to the end of the shard's queue. It fails with
// ErrLockTimeout when the shard stays locked past the wait window.
func (b *Buffer) Append(ctx context.Context, shard int, entry Entry) error {
	lockKey := shardLockKey(shard)
	lock, err := b.locker.Obtain(ctx, lockKey)
	if err != nil {
		return err
	}
	defer release(lock, lockKey)

	key := shardKey(shard)
	payload, err := b.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("reading shard %d: %w", shard, err)
	}

	entries, err := decodeEntries(b.codec, payload)
	if err != nil {
		// keep the unreadable payload aside instead of overwriting it
		if qerr := b.quarantine(ctx, shard, payload); qerr != nil {
			return fmt.Errorf("decoding shard %d: %w", shard, err)
		}
		entries = nil
	}

	entries = append(entries, entry)
	encoded, err := encodeEntries(b.codec, entries)
	if err != nil {
		return err
	}
	if err := b.kv.Set(ctx, key, encoded); err != nil {
		return fmt.Errorf("writing shard %d: %w", shard, err)
	}
	return nil
}

// Drain removes and returns everything queued in the shard. Read and delete
// happen under the shard lock, so two concurrent drains never share entries.
func (b *Buffer) Drain(ctx context.Context, shard int) ([]Entry, error) {
	lockKey := shardLockKey(shard)
	lock, err := b.locker.Obtain(ctx, lockKey)
	if err != nil {
		return nil, err
	}
	defer release(lock, lockKey)

	key := shardKey(shard)
	payload, err := b.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading shard %d: %w", shard, err)
	}
	if payload == nil {
		return nil, nil
	}

	entries, err := decodeEntries(b.codec, payload)
	if err != nil {
		if qerr := b.quarantine(ctx, shard, payload); qerr != nil {
			return nil, fmt.Errorf("decoding shard %d: %w", shard, err)
		}
		return nil, nil
	}

	if err := b.kv.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("clearing shard %d: %w", shard, err)
	}
	return entries, nil
}

// Pending reports the compressed payload size of each shard in [0, shards).
func (b *Buffer) Pending(ctx context.Context, shards int) (map[int]int, error) {
	out := make(map[int]int, shards)
	sizer, ok := b.kv.(interface {
		Size(ctx context.Context, key string) (int, error)
	})
	for shard := 0; shard < shards; shard++ {
		if ok {
			n, err := sizer.Size(ctx, shardKey(shard))
			if err != nil {
				return nil, err
			}
			out[shard] = n
			continue
		}
		payload, err := b.kv.Get(ctx, shardKey(shard))
		if err != nil {
			return nil, err
		}
		out[shard] = len(payload)
	}
	return out, nil
}

// quarantine moves a payload the codec cannot read out of the shard key.
// Caller holds the shard lock.
func (b *Buffer) quarantine(ctx context.Context, shard int, payload []byte) error {
	aside := fmt.Sprintf("activity:quarantine:worker-%d:%d", shard, time.Now().UnixNano())
	if err := b.kv.Set(ctx, aside, payload); err != nil {
		return err
	}
	if err := b.kv.Delete(ctx, shardKey(shard)); err != nil {
		return err
	}
	logger.Log.WithFields(logrus.Fields{
		"shard": shard,
		"key":   aside,
		"bytes": len(payload),
	}).Error("unreadable activity shard moved to quarantine")
	return nil
}
