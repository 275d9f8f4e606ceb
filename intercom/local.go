package intercom

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process pair of queues. It implements both Channel and
// Binding so the scheduler and a worker pool can share one instance.
type Local struct {
	handOffHook

	tasks   chan Task
	results chan Result

	done      chan struct{}
	closeOnce sync.Once
}

func NewLocal(bufferSize int) *Local {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Local{
		tasks:   make(chan Task, bufferSize),
		results: make(chan Result, bufferSize),
		done:    make(chan struct{}),
	}
}

var (
	_ Channel         = &Local{}
	_ Binding         = &Local{}
	_ HandOffNotifier = &Local{}
)

func (l *Local) Send(ctx context.Context, task Task) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	select {
	case l.tasks <- task:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) ReceiveResult(ctx context.Context, timeout time.Duration) (Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-l.results:
		return r, nil
	case <-timer.C:
		return Result{}, ErrTimeout
	case <-l.done:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (l *Local) ReceiveTask(ctx context.Context) (Task, error) {
	select {
	case t := <-l.tasks:
		l.handedOff(t.ID)
		return t, nil
	case <-l.done:
		return Task{}, ErrClosed
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

func (l *Local) SendResult(ctx context.Context, result Result) error {
	select {
	case l.results <- result:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queued returns the number of tasks waiting for a worker.
func (l *Local) Queued() int {
	return len(l.tasks)
}

func (l *Local) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}
