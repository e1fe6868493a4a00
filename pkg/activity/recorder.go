package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/academy-platform/activity/pkg/common/logger"
	"github.com/academy-platform/activity/pkg/common/models"
	"github.com/sirupsen/logrus"
)

// EventAdd is the event type producers publish for a single activity.
const EventAdd = "activity.add"

type Input struct {
	UserID      int64
	Kind        string
	RelatedType string
	RelatedID   *int64
	RelatedSlug *string
}

func InputFromRequest(req models.ActivityRequest) Input {
	return Input{
		UserID:      req.UserID,
		Kind:        req.Kind,
		RelatedType: req.RelatedType,
		RelatedID:   req.RelatedID,
		RelatedSlug: req.RelatedSlug,
	}
}

// Validate applies the checks that need no shared state.
func (in Input) Validate(catalog KindCatalog) (*Related, error) {
	if strings.TrimSpace(in.Kind) == "" {
		return nil, ValidationError{reason: errKindRequired}
	}
	if !catalog.Allowed(in.Kind) {
		return nil, invalid("kind %q: %w", in.Kind, errUnknownKind)
	}
	return NewRelated(in.RelatedType, in.RelatedID, in.RelatedSlug)
}

type Recorder struct {
	buffer     *Buffer
	dispatcher *Dispatcher
	workers    WorkerCounter
	catalog    KindCatalog
	meta       MetaProvider
	observer   Observer
	now        func() time.Time
}

type RecorderOption func(*Recorder)

func WithCatalog(catalog KindCatalog) RecorderOption {
	return func(r *Recorder) { r.catalog = catalog }
}

func WithMetaProvider(p MetaProvider) RecorderOption {
	return func(r *Recorder) { r.meta = p }
}

func WithObserver(o Observer) RecorderOption {
	return func(r *Recorder) {
		if o != nil {
			r.observer = o
		}
	}
}

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(buffer *Buffer, dispatcher *Dispatcher, workers WorkerCounter, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		buffer:     buffer,
		dispatcher: dispatcher,
		workers:    workers,
		observer:   nopObserver{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.meta == nil {
		r.meta = r.catalog.Provider(nil)
	}
	return r
}

// Record validates the input, resolves its meta, picks a shard and appends the
// new record there. Validation failures touch no shared state. A shard lock
// timeout comes back wrapping ErrLockTimeout.
func (r *Recorder) Record(ctx context.Context, in Input) (Record, error) {
	related, err := in.Validate(r.catalog)
	if err != nil {
		return Record{}, err
	}

	raw, err := r.meta.Meta(ctx, in.Kind, in.RelatedType, in.RelatedID, in.RelatedSlug)
	if err != nil {
		return Record{}, fmt.Errorf("resolving meta for %s: %w", in.Kind, err)
	}
	meta := make(map[string]Value, len(raw))
	for key, v := range raw {
		value, err := Infer(v)
		if err != nil {
			return Record{}, invalid("meta %q: %w", key, err)
		}
		meta[key] = value
	}

	rec := NewRecord(in.UserID, in.Kind, related, meta, r.now())

	shard, degraded, err := r.dispatcher.Next(ctx, r.workers.Workers(ctx))
	if err != nil {
		return Record{}, err
	}
	if degraded {
		r.observer.DispatchDegraded()
		logger.Log.WithField("kind", in.Kind).Warn("activity cursor locked, writing to shard 0")
	}

	if err := r.buffer.Append(ctx, shard, rec.Entry()); err != nil {
		if errors.Is(err, ErrLockTimeout) {
			r.observer.LockTimeout("append")
		}
		return Record{}, err
	}

	r.observer.ActivityRecorded(in.Kind, shard)
	logger.Log.WithFields(logrus.Fields{
		"activity_id": rec.ID,
		"kind":        rec.Kind,
		"user_id":     rec.UserID,
		"shard":       shard,
	}).Debug("activity buffered")
	return rec, nil
}

// HandleEvent is the consumer entry point for activity.add events. Invalid
// payloads are logged and dropped; retryable failures are returned so the
// consumer redelivers.
func (r *Recorder) HandleEvent(ctx context.Context, event models.Event) error {
	if event.Type != EventAdd {
		logger.Log.WithField("event_type", event.Type).Debug("ignoring event")
		return nil
	}

	payload, err := json.Marshal(event.Data)
	if err != nil {
		logger.Log.WithError(err).WithField("event_id", event.ID).Warn("unencodable activity event")
		return nil
	}
	var req models.ActivityRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		logger.Log.WithError(err).WithField("event_id", event.ID).Warn("malformed activity event")
		return nil
	}

	if _, err := r.Record(ctx, InputFromRequest(req)); err != nil {
		if IsValidationError(err) {
			logger.Log.WithError(err).WithField("event_id", event.ID).Warn("rejected activity event")
			return nil
		}
		return err
	}
	return nil
}
