package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StatusScheduled = "SCHEDULED"
	StatusPending   = "PENDING"
	StatusDone      = "DONE"
	StatusAborted   = "ABORTED"
	StatusError     = "ERROR"
	StatusCancelled = "CANCELLED"
)

const (
	UploadModule = "activity.tasks"
	UploadName   = "upload_activities"
)

type Task struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey;column:id"`
	TaskModule    string            `gorm:"column:task_module;index:idx_task_kind"`
	TaskName      string            `gorm:"column:task_name;index:idx_task_kind"`
	Status        string            `gorm:"column:status;index"`
	Attempts      int               `gorm:"column:attempts"`
	Forced        bool              `gorm:"column:forced"`
	LastError     string            `gorm:"column:last_error"`
	Arguments     datatypes.JSONMap `gorm:"column:arguments"`
	NextAttemptAt *time.Time        `gorm:"column:next_attempt_at"`
	CreatedAt     time.Time         `gorm:"column:created_at"`
	UpdatedAt     time.Time         `gorm:"column:updated_at"`
	StartedAt     *time.Time        `gorm:"column:started_at"`
	CompletedAt   *time.Time        `gorm:"column:completed_at"`
}

func (Task) TableName() string {
	return "task_manager"
}
