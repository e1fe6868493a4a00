package activity

import "time"

// Observer receives pipeline events for metrics. metrics.Collector implements it.
type Observer interface {
	ActivityRecorded(kind string, shard int)
	LockTimeout(scope string)
	DispatchDegraded()
	UploadFinished(outcome string, rows, fieldsAdded int, took time.Duration)
	BackupWritten(records int)
}

type nopObserver struct{}

func (nopObserver) ActivityRecorded(string, int)                   {}
func (nopObserver) LockTimeout(string)                             {}
func (nopObserver) DispatchDegraded()                              {}
func (nopObserver) UploadFinished(string, int, int, time.Duration) {}
func (nopObserver) BackupWritten(int)                              {}
