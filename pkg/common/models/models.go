package models

import (
	"time"
)

// Event bus envelope
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // activity.add
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// Activity intake
type ActivityRequest struct {
	UserID      int64   `json:"user_id"`
	Kind        string  `json:"kind"`
	RelatedType string  `json:"related_type,omitempty"`
	RelatedID   *int64  `json:"related_id,omitempty"`
	RelatedSlug *string `json:"related_slug,omitempty"`
}

type ActivityAccepted struct {
	EventID   string    `json:"event_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type ShardStat struct {
	Shard   int `json:"shard"`
	Pending int `json:"pending_bytes"`
}

// Upload runs
type UploadSummary struct {
	TaskID      string    `json:"task_id"`
	Outcome     string    `json:"outcome"`
	Rows        int       `json:"rows"`
	FieldsAdded int       `json:"fields_added"`
	Attempt     int       `json:"attempt"`
	FinishedAt  time.Time `json:"finished_at"`
	Error       string    `json:"error,omitempty"`
}
