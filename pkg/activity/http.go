package activity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/academy-platform/activity/pkg/common/logger"
	"github.com/academy-platform/activity/pkg/common/models"
	"github.com/gorilla/mux"
)

// Publisher hands accepted activities to the event bus; kafka.Producer
// satisfies it.
type Publisher interface {
	PublishEvent(ctx context.Context, eventType, source, key string, data map[string]interface{}) (models.Event, error)
}

type HTTPHandler struct {
	recorder  *Recorder
	publisher Publisher
	buffer    *Buffer
	workers   WorkerCounter
	catalog   KindCatalog
	maxBody   int64
}

// NewHTTPHandler: with a nil publisher activities are recorded inline instead
// of going through the event bus.
func NewHTTPHandler(recorder *Recorder, publisher Publisher, buffer *Buffer, workers WorkerCounter, catalog KindCatalog, maxBody int64) *HTTPHandler {
	return &HTTPHandler{
		recorder:  recorder,
		publisher: publisher,
		buffer:    buffer,
		workers:   workers,
		catalog:   catalog,
		maxBody:   maxBody,
	}
}

func (h *HTTPHandler) Register(router *mux.Router) {
	router.HandleFunc("/activities", h.handleAdd).Methods(http.MethodPost)
	router.HandleFunc("/activities/shards", h.handleShards).Methods(http.MethodGet)
}

func (h *HTTPHandler) handleAdd(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	var req models.ActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Log.WithError(err).Warn("invalid activity payload")
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	in := InputFromRequest(req)
	if _, err := in.Validate(h.catalog); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp models.ActivityAccepted
	if h.publisher != nil {
		event, err := h.publisher.PublishEvent(r.Context(), EventAdd, "http", strconv.FormatInt(req.UserID, 10), map[string]interface{}{
			"user_id":      req.UserID,
			"kind":         req.Kind,
			"related_type": req.RelatedType,
			"related_id":   req.RelatedID,
			"related_slug": req.RelatedSlug,
		})
		if err != nil {
			http.Error(w, "failed to enqueue activity", http.StatusBadGateway)
			return
		}
		resp = models.ActivityAccepted{EventID: event.ID, Status: "queued", Timestamp: event.Timestamp}
	} else {
		rec, err := h.recorder.Record(r.Context(), in)
		if err != nil {
			if IsValidationError(err) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if errors.Is(err, ErrLockTimeout) {
				w.Header().Set("Retry-After", "30")
				http.Error(w, "activity buffer busy", http.StatusServiceUnavailable)
				return
			}
			logger.Log.WithError(err).Error("failed to record activity")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		resp = models.ActivityAccepted{EventID: rec.ID, Status: "buffered", Timestamp: time.Now().UTC()}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
}

func (h *HTTPHandler) handleShards(w http.ResponseWriter, r *http.Request) {
	workers := h.workers.Workers(r.Context())
	pending, err := h.buffer.Pending(r.Context(), workers)
	if err != nil {
		logger.Log.WithError(err).Error("failed to read shard sizes")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	stats := make([]models.ShardStat, 0, workers)
	for shard := 0; shard < workers; shard++ {
		stats = append(stats, models.ShardStat{Shard: shard, Pending: pending[shard]})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
