package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/InsulaLabs/fact/intercom"
	"github.com/InsulaLabs/fact/models"
)

type RunState string

const (
	RunRunning   RunState = "running"
	RunDone      RunState = "done"
	RunCancelled RunState = "cancelled"
)

type task struct {
	id      string
	run     *Run
	uid     string
	plugin  string
	version string

	state  models.TaskState
	cause  models.FailureCause
	reason string

	// waiting counts dependencies in the same run that are not done yet.
	waiting    int
	dependents []*task
}

// Run is one call to Schedule or ScheduleUpdate. Its ID doubles as the epoch
// tag carried by every task it dispatches, so results for a cancelled or
// forgotten run can be told apart from current ones.
type Run struct {
	ID        string
	RootUID   string
	StartedAt time.Time

	s *Scheduler

	// Guarded by s.mu.
	tasks      []*task
	remaining  int
	cancelled  bool
	err        error
	finishedAt time.Time

	done     chan struct{}
	doneOnce sync.Once
	stop     func() bool
}

type TaskInfo struct {
	ID     string              `json:"id"`
	UID    string              `json:"uid"`
	Plugin string              `json:"plugin"`
	State  models.TaskState    `json:"state"`
	Cause  models.FailureCause `json:"cause,omitempty"`
	Reason string              `json:"reason,omitempty"`
}

type Summary struct {
	RunID      string                   `json:"run_id"`
	RootUID    string                   `json:"root_uid"`
	State      RunState                 `json:"state"`
	Counts     map[models.TaskState]int `json:"counts"`
	Tasks      []TaskInfo               `json:"tasks"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at,omitzero"`
	Error      string                   `json:"error,omitempty"`
}

// Wait blocks until every task of the run is terminal or the run is
// cancelled. The error is ErrRunCancelled for cancelled runs and the first
// storage failure otherwise; plugin failures are only visible in the summary.
func (r *Run) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return r.Summary(), ctx.Err()
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.cancelled {
		return r.summaryLocked(), ErrRunCancelled
	}
	return r.summaryLocked(), r.err
}

// Done is closed when Wait would return.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Cancel fails every task of the run that has not finished. Dispatched
// tasks keep running on their workers, but the channel stops tracking them
// and their results are discarded when they come back.
func (r *Run) Cancel() {
	events, dispatched := r.s.cancelRun(r)
	r.s.emit(events)
	if len(dispatched) == 0 {
		return
	}
	if f, ok := r.s.channel.(intercom.Forgetter); ok {
		for _, id := range dispatched {
			f.Forget(id)
		}
	}
	r.s.dispatch(context.Background())
}

func (r *Run) Summary() Summary {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.summaryLocked()
}

func (r *Run) summaryLocked() Summary {
	sum := Summary{
		RunID:      r.ID,
		RootUID:    r.RootUID,
		State:      RunRunning,
		Counts:     map[models.TaskState]int{},
		Tasks:      make([]TaskInfo, 0, len(r.tasks)),
		StartedAt:  r.StartedAt,
		FinishedAt: r.finishedAt,
	}
	switch {
	case r.cancelled:
		sum.State = RunCancelled
	case r.remaining == 0:
		sum.State = RunDone
	}
	if r.err != nil {
		sum.Error = r.err.Error()
	}
	for _, t := range r.tasks {
		sum.Counts[t.state]++
		sum.Tasks = append(sum.Tasks, TaskInfo{
			ID:     t.id,
			UID:    t.uid,
			Plugin: t.plugin,
			State:  t.state,
			Cause:  t.cause,
			Reason: t.reason,
		})
	}
	return sum
}

func (r *Run) closeDone() {
	r.doneOnce.Do(func() {
		if r.stop != nil {
			r.stop()
		}
		close(r.done)
	})
}
