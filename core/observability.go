package core

import "time"

// TaskExecutionRecord captures a finished task.
type TaskExecutionRecord struct {
	TaskID     TaskID
	Name       string
	Group      string
	State      TaskState
	StartedAt  time.Time // zero when killed before its first resume
	FinishedAt time.Time
	Duration   time.Duration
	Panicked   bool
	Err        string
}

// HubStats represents runtime observability state for a hub.
type HubStats struct {
	Running       bool
	Stopping      bool
	ManagedTasks  int
	PendingTimers int
	Listeners     int

	Spawned  int64
	Finished int64
	Killed   int64
	Failed   int64
	Panicked int64
	Rejected int64

	LastTaskName string
	LastTaskAt   time.Time
}
