package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrTaskNotFound = errors.New("task not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Task{})
}

func (r *Repository) Create(ctx context.Context, task *Task) error {
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Task, error) {
	var task Task
	result := r.db.WithContext(ctx).First(&task, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	return &task, result.Error
}

// MarkStarted claims the task: it moves to PENDING and counts the attempt,
// but only while its status is still from. A task claimed by someone else
// returns ErrConflictingState.
func (r *Repository) MarkStarted(ctx context.Context, id uuid.UUID, from string, forced bool, at time.Time) error {
	updates := map[string]interface{}{
		"status":          StatusPending,
		"attempts":        gorm.Expr("attempts + 1"),
		"started_at":      at,
		"next_attempt_at": nil,
		"updated_at":      at,
	}
	if forced {
		updates["forced"] = true
	}
	result := r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("claim task %s from %s: %w", id, from, ErrConflictingState)
	}
	return nil
}

// Finish records the outcome of an attempt. A nil next leaves the task with
// no further retry.
func (r *Repository) Finish(ctx context.Context, id uuid.UUID, status, lastError string, next *time.Time, at time.Time) error {
	updates := map[string]interface{}{
		"status":          status,
		"last_error":      lastError,
		"next_attempt_at": next,
		"updated_at":      at,
	}
	if next == nil {
		updates["completed_at"] = at
	}
	return r.db.WithContext(ctx).Model(&Task{}).Where("id = ?", id).Updates(updates).Error
}

// DeleteStaleScheduled removes SCHEDULED tasks of the same kind created before
// olderThan, other than except, and returns how many were removed.
func (r *Repository) DeleteStaleScheduled(ctx context.Context, module, name string, olderThan time.Time, except uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND task_module = ? AND task_name = ? AND created_at < ? AND id <> ?",
			StatusScheduled, module, name, olderThan, except).
		Delete(&Task{})
	return result.RowsAffected, result.Error
}

// ListDue returns failed tasks whose retry time has come.
func (r *Repository) ListDue(ctx context.Context, module, name string, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	var tasks []Task
	result := r.db.WithContext(ctx).
		Where("status = ? AND task_module = ? AND task_name = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?",
			StatusError, module, name, now).
		Order("next_attempt_at asc").
		Limit(limit).
		Find(&tasks)
	return tasks, result.Error
}
