package activity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/academy-platform/activity/pkg/common/logger"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fixture struct {
	mr         *miniredis.Miniredis
	client     *redis.Client
	kv         *RedisKV
	locker     *RedisLocker
	codec      Codec
	buffer     *Buffer
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger.Discard()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	codec, err := NewZstdCodec()
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}

	kv := NewRedisKV(client)
	locker := NewRedisLocker(client, time.Second, 150*time.Millisecond)
	return &fixture{
		mr:         mr,
		client:     client,
		kv:         kv,
		locker:     locker,
		codec:      codec,
		buffer:     NewBuffer(kv, locker, codec),
		dispatcher: NewDispatcher(kv, locker),
	}
}

func (f *fixture) recorder(workers int, opts ...RecorderOption) *Recorder {
	return NewRecorder(f.buffer, f.dispatcher, StaticWorkers(workers), opts...)
}

func fixedClock() func() time.Time {
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func int64Ptr(v int64) *int64    { return &v }
func stringPtr(v string) *string { return &v }

// memKV is an in-process KV for tests that do not need Redis.
type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *memKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// memorySink records what an upload wrote. Inserts fail while failInserts is
// positive.
type memorySink struct {
	mu          sync.Mutex
	schema      []SchemaField
	rows        []Row
	updates     int
	failInserts int
}

func (s *memorySink) Schema(context.Context) ([]SchemaField, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SchemaField(nil), s.schema...), nil
}

func (s *memorySink) UpdateSchema(_ context.Context, additions []SchemaField) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	s.schema = Merge(s.schema, additions)
	return nil
}

func (s *memorySink) BulkInsert(_ context.Context, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInserts > 0 {
		s.failInserts--
		return errors.New("warehouse unavailable")
	}
	s.rows = append(s.rows, rows...)
	return nil
}

func (s *memorySink) ids() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.rows))
	for _, r := range s.rows {
		out[r.InsertID()]++
	}
	return out
}

type countingObserver struct {
	nopObserver
	mu           sync.Mutex
	degraded     int
	lockTimeouts map[string]int
	backups      int
}

func (o *countingObserver) DispatchDegraded() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.degraded++
}

func (o *countingObserver) LockTimeout(scope string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lockTimeouts == nil {
		o.lockTimeouts = map[string]int{}
	}
	o.lockTimeouts[scope]++
}

func (o *countingObserver) BackupWritten(int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.backups++
}
