package models

import "time"

// TaskState of one (object, plugin) pair inside a run. Transitions only move
// forward: pending -> dispatched -> done|failed. A task may also go straight
// from pending to failed when a dependency failed or the run was cancelled.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskDispatched TaskState = "dispatched"
	TaskDone       TaskState = "done"
	TaskFailed     TaskState = "failed"
)

func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// TaskEvent is published on the task state topic on every transition.
type TaskEvent struct {
	RunID     string       `json:"run_id"`
	TaskID    string       `json:"task_id"`
	UID       string       `json:"uid"`
	Plugin    string       `json:"plugin"`
	State     TaskState    `json:"state"`
	Cause     FailureCause `json:"cause,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

const TopicTaskState = "task.state"
