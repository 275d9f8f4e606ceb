/*
	Package intercom carries analysis tasks from the coordinator to the
	workers that run plugins, and results back. Delivery is at least once
	and unordered: a task may be executed twice and results arrive in any
	order. The coordinator only talks to a Channel, workers only talk to a
	Binding, so both can live in one process (Local) or be split across
	machines (Hub on the coordinator, Remote on each worker).
*/
package intercom

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/InsulaLabs/fact/models"
)

var (
	ErrTimeout = errors.New("intercom: no result within timeout")
	ErrClosed  = errors.New("intercom: channel closed")
)

// Task asks a worker to run one plugin on one object. Object carries the
// metadata and every dependency result the plugin may read; Binary travels
// beside it because the object document never serialises its content.
type Task struct {
	ID       string             `json:"id"`
	RunID    string             `json:"run_id"`
	Plugin   string             `json:"plugin"`
	Object   *models.FileObject `json:"object"`
	Binary   []byte             `json:"binary"`
	Timeout  time.Duration      `json:"timeout"`
	Attempt  int                `json:"attempt"`
	QueuedAt time.Time          `json:"queued_at"`
}

// Result reports the outcome of one task. A failed result never carries a
// partial payload.
type Result struct {
	TaskID        string                `json:"task_id"`
	RunID         string                `json:"run_id"`
	UID           string                `json:"uid"`
	Plugin        string                `json:"plugin"`
	PluginVersion string                `json:"plugin_version"`
	Status        models.AnalysisStatus `json:"status"`
	Result        models.AnalysisResult `json:"result,omitempty"`
	Error         string                `json:"error,omitempty"`
	Cause         models.FailureCause   `json:"cause,omitempty"`
	Worker        string                `json:"worker,omitempty"`
	FinishedAt    time.Time             `json:"finished_at"`
}

// Channel is the coordinator side.
type Channel interface {
	// Send enqueues a task. It only blocks while the queue is full.
	Send(ctx context.Context, task Task) error

	// ReceiveResult waits up to timeout for the next result and returns
	// ErrTimeout when none arrived.
	ReceiveResult(ctx context.Context, timeout time.Duration) (Result, error)

	Close() error
}

// Binding is the worker side.
type Binding interface {
	// ReceiveTask blocks until a task is available. It returns ErrClosed
	// once the channel is shut down.
	ReceiveTask(ctx context.Context) (Task, error)
	SendResult(ctx context.Context, result Result) error
}

// HandOffNotifier is implemented by channels that know when a worker took
// a task off the queue. Tasks still waiting for a free worker are not
// handed off yet.
type HandOffNotifier interface {
	OnHandOff(fn func(taskID string))
}

// Forgetter is implemented by channels that keep tracking a task after
// Send. Forget stops that tracking; the task is not recalled.
type Forgetter interface {
	Forget(taskID string)
}

type handOffHook struct {
	fn atomic.Pointer[func(taskID string)]
}

func (h *handOffHook) OnHandOff(fn func(taskID string)) {
	h.fn.Store(&fn)
}

func (h *handOffHook) handedOff(taskID string) {
	if fn := h.fn.Load(); fn != nil {
		(*fn)(taskID)
	}
}

// DispatchTimeoutError is reported for a task that timed out on every
// attempt.
type DispatchTimeoutError struct {
	TaskID   string
	UID      string
	Plugin   string
	Attempts int
	Timeout  time.Duration
}

func (e *DispatchTimeoutError) Error() string {
	return fmt.Sprintf("task %s (%s on %s) not answered after %d attempts of %s",
		e.TaskID, e.Plugin, e.UID, e.Attempts, e.Timeout)
}

// FailedResult builds the result for a task that did not produce one.
func FailedResult(task Task, cause models.FailureCause, err error) Result {
	r := Result{
		TaskID:     task.ID,
		RunID:      task.RunID,
		Plugin:     task.Plugin,
		Status:     models.AnalysisStatusFailed,
		Cause:      cause,
		FinishedAt: time.Now().UTC(),
	}
	if task.Object != nil {
		r.UID = task.Object.UID
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
