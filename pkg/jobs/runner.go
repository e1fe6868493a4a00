package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/academy-platform/activity/pkg/activity"
	"github.com/academy-platform/activity/pkg/common/logger"
	"github.com/academy-platform/activity/pkg/common/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// ErrConflictingState is returned when a task cannot run from its current
// status.
var ErrConflictingState = errors.New("task is in a conflicting state")

// Uploader runs one upload attempt; activity.Uploader satisfies it.
type Uploader interface {
	Upload(ctx context.Context, run activity.Run) activity.Result
}

type Options struct {
	// Interval is the sampling rate. Scheduled tasks older than one interval
	// are superseded by the one being executed.
	Interval         time.Duration
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	BlockingStatuses []string
	// Arguments are stored on every scheduled task, recording the settings
	// the upload ran with.
	Arguments map[string]interface{}
}

type Runner struct {
	repo        *Repository
	uploader    Uploader
	interval    time.Duration
	maxAttempts int
	baseDelay   time.Duration
	blocking    map[string]bool
	arguments   map[string]interface{}
	now         func() time.Time
}

func NewRunner(repo *Repository, uploader Uploader, opts Options) *Runner {
	r := &Runner{
		repo:        repo,
		uploader:    uploader,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.RetryBaseDelay,
		blocking:    map[string]bool{},
		arguments:   opts.Arguments,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if r.interval <= 0 {
		r.interval = time.Minute
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 10
	}
	if r.baseDelay <= 0 {
		r.baseDelay = 5 * time.Second
	}
	statuses := opts.BlockingStatuses
	if len(statuses) == 0 {
		statuses = []string{StatusDone, StatusCancelled}
	}
	for _, s := range statuses {
		r.blocking[s] = true
	}
	return r
}

// Schedule creates a new upload task.
func (r *Runner) Schedule(ctx context.Context) (*Task, error) {
	now := r.now()
	task := &Task{
		ID:            uuid.New(),
		TaskModule:    UploadModule,
		TaskName:      UploadName,
		Status:        StatusScheduled,
		Arguments:     datatypes.JSONMap(r.arguments),
		NextAttemptAt: &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.repo.Create(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// Execute runs a scheduled task or a due retry.
func (r *Runner) Execute(ctx context.Context, id uuid.UUID) (models.UploadSummary, error) {
	task, err := r.repo.Get(ctx, id)
	if err != nil {
		return models.UploadSummary{}, err
	}
	if task.Status != StatusScheduled && task.Status != StatusError {
		return models.UploadSummary{}, fmt.Errorf("execute task %s in %s: %w", id, task.Status, ErrConflictingState)
	}
	if task.Status == StatusError && task.NextAttemptAt == nil {
		return models.UploadSummary{}, fmt.Errorf("task %s has no retries left: %w", id, ErrConflictingState)
	}
	return r.run(ctx, task)
}

// Force re-runs a task regardless of its retry state. Tasks in a blocking
// status, or still running, are rejected before anything is touched.
func (r *Runner) Force(ctx context.Context, id uuid.UUID) (models.UploadSummary, error) {
	task, err := r.repo.Get(ctx, id)
	if err != nil {
		return models.UploadSummary{}, err
	}
	if task.Status == StatusPending || r.blocking[task.Status] {
		return models.UploadSummary{}, fmt.Errorf("force task %s in %s: %w", id, task.Status, ErrConflictingState)
	}
	task.Forced = true

	logger.Log.WithFields(logrus.Fields{
		"task_id":   id,
		"status":    task.Status,
		"arguments": task.Arguments,
	}).Info("forcing activity upload")
	return r.run(ctx, task)
}

func (r *Runner) run(ctx context.Context, task *Task) (models.UploadSummary, error) {
	now := r.now()

	if err := r.repo.MarkStarted(ctx, task.ID, task.Status, task.Forced, now); err != nil {
		return models.UploadSummary{}, err
	}
	attempt := task.Attempts + 1

	removed, err := r.repo.DeleteStaleScheduled(ctx, task.TaskModule, task.TaskName, now.Add(-r.interval), task.ID)
	if err != nil {
		logger.Log.WithError(err).WithField("task_id", task.ID).Warn("failed to remove superseded uploads")
	}
	if removed > 0 {
		logger.Log.WithField("removed", removed).Debug("superseded scheduled uploads")
	}

	res := r.uploader.Upload(ctx, activity.Run{
		ID:      task.ID.String(),
		Attempt: attempt,
		Forced:  task.Forced,
	})

	summary := models.UploadSummary{
		TaskID:      task.ID.String(),
		Outcome:     res.Outcome.String(),
		Rows:        res.Rows,
		FieldsAdded: res.FieldsAdded,
		Attempt:     attempt,
		FinishedAt:  r.now(),
	}

	var (
		status    string
		lastError string
		next      *time.Time
	)
	switch res.Outcome {
	case activity.OutcomeUploaded:
		status = StatusDone
	case activity.OutcomeEmptyAbort:
		status = StatusAborted
		lastError = "no activities to upload"
	default:
		status = StatusError
		if res.Err != nil {
			lastError = res.Err.Error()
		}
		if attempt < r.maxAttempts {
			at := summary.FinishedAt.Add(r.backoff(attempt))
			next = &at
		}
	}
	summary.Error = lastError

	if err := r.repo.Finish(ctx, task.ID, status, lastError, next, summary.FinishedAt); err != nil {
		return summary, fmt.Errorf("finishing task %s: %w", task.ID, err)
	}

	entry := logger.Log.WithFields(logrus.Fields{
		"task_id": task.ID,
		"status":  status,
		"attempt": attempt,
	})
	switch {
	case status == StatusError && next != nil:
		entry.WithField("next_attempt_at", *next).Warn("activity upload will be retried")
	case status == StatusError:
		entry.Error("activity upload gave up")
	}
	return summary, nil
}

func (r *Runner) backoff(attempt int) time.Duration {
	d := r.baseDelay
	for i := 1; i < attempt && d < time.Hour; i++ {
		d *= 2
	}
	if d > time.Hour {
		d = time.Hour
	}
	return d
}
