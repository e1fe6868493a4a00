package jobs

import (
	"context"
	"time"

	"github.com/academy-platform/activity/pkg/common/logger"
	"github.com/sirupsen/logrus"
)

// Scheduler schedules one upload per interval and re-runs failed uploads
// once their retry time has come.
type Scheduler struct {
	runner   *Runner
	repo     *Repository
	interval time.Duration
	stopChan chan struct{}
}

func NewScheduler(runner *Runner, repo *Repository, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		runner:   runner,
		repo:     repo,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	logger.Log.WithField("interval", s.interval.String()).Info("starting activity upload scheduler")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.stopChan:
			logger.Log.Info("activity upload scheduler stopped")
			return
		case <-ctx.Done():
			logger.Log.Info("activity upload scheduler stopping")
			return
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopChan)
}

// Tick runs due retries first, then a fresh upload.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.repo.ListDue(ctx, UploadModule, UploadName, s.runner.now(), 0)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list due uploads")
	}
	for _, task := range due {
		if _, err := s.runner.Execute(ctx, task.ID); err != nil {
			logger.Log.WithError(err).WithField("task_id", task.ID).Error("failed to retry activity upload")
		}
	}

	task, err := s.runner.Schedule(ctx)
	if err != nil {
		logger.Log.WithError(err).Error("failed to schedule activity upload")
		return
	}
	summary, err := s.runner.Execute(ctx, task.ID)
	if err != nil {
		logger.Log.WithError(err).WithField("task_id", task.ID).Error("failed to run activity upload")
		return
	}
	logger.Log.WithFields(logrus.Fields{
		"task_id": summary.TaskID,
		"outcome": summary.Outcome,
		"rows":    summary.Rows,
	}).Info("activity upload tick finished")
}
