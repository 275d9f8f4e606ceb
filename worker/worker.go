package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/InsulaLabs/fact/intercom"
	"github.com/InsulaLabs/fact/models"
	"github.com/InsulaLabs/fact/plugins"
	"golang.org/x/sync/errgroup"
)

// PluginExecutionFailure wraps anything that went wrong inside a plugin,
// including a panic. It ends up as the failure reason of the analysis slot.
type PluginExecutionFailure struct {
	Plugin string
	UID    string
	Err    error
	Panic  any
	Stack  string
}

func (e *PluginExecutionFailure) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("plugin %s panicked on %s: %v", e.Plugin, e.UID, e.Panic)
	}
	return fmt.Sprintf("plugin %s failed on %s: %v", e.Plugin, e.UID, e.Err)
}

func (e *PluginExecutionFailure) Unwrap() error {
	return e.Err
}

type Config struct {
	Logger   *slog.Logger
	Name     string
	Binding  intercom.Binding
	Registry *plugins.Registry

	// DefaultTimeout applies to tasks that do not carry their own.
	DefaultTimeout time.Duration
}

// Worker executes tasks from a binding one at a time.
type Worker struct {
	logger   *slog.Logger
	name     string
	binding  intercom.Binding
	registry *plugins.Registry
	timeout  time.Duration
}

func New(cfg Config) *Worker {
	return &Worker{
		logger:   cfg.Logger.With("worker", cfg.Name),
		name:     cfg.Name,
		binding:  cfg.Binding,
		registry: cfg.Registry,
		timeout:  cfg.DefaultTimeout,
	}
}

// Run processes tasks until ctx is done or the binding is closed. Plugin
// failures never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug("worker started")
	for {
		task, err := w.binding.ReceiveTask(ctx)
		if err != nil {
			if errors.Is(err, intercom.ErrClosed) || ctx.Err() != nil {
				w.logger.Debug("worker stopped")
				return nil
			}
			return err
		}

		result := w.Execute(ctx, task)
		if err := w.binding.SendResult(ctx, result); err != nil {
			if errors.Is(err, intercom.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

type outcome struct {
	result models.AnalysisResult
	err    error
}

// Execute runs one task and always returns a result.
func (w *Worker) Execute(ctx context.Context, task intercom.Task) intercom.Result {
	if task.Object == nil {
		return intercom.FailedResult(task, models.CausePluginError, errors.New("task carries no object"))
	}

	plugin, err := w.registry.Get(task.Plugin)
	if err != nil {
		w.logger.Error("task for unknown plugin", "plugin", task.Plugin, "task_id", task.ID)
		return intercom.FailedResult(task, models.CausePluginError, err)
	}
	desc := plugin.Descriptor()

	fo := *task.Object
	fo.Binary = task.Binary

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = w.timeout
	}
	taskCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &PluginExecutionFailure{
					Plugin: desc.Name,
					UID:    fo.UID,
					Panic:  r,
					Stack:  string(debug.Stack()),
				}}
			}
		}()
		res, err := plugin.Process(taskCtx, &fo)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-taskCtx.Done():
		w.logger.Warn("plugin timed out", "plugin", desc.Name, "uid", fo.UID, "timeout", timeout)
		r := intercom.FailedResult(task, models.CauseTimeout, taskCtx.Err())
		r.PluginVersion = desc.Version
		r.Worker = w.name
		return r
	}

	if out.err != nil {
		var pf *PluginExecutionFailure
		if !errors.As(out.err, &pf) {
			pf = &PluginExecutionFailure{Plugin: desc.Name, UID: fo.UID, Err: out.err}
		}
		w.logger.Warn("plugin failed", "plugin", desc.Name, "uid", fo.UID, "error", pf)
		r := intercom.FailedResult(task, models.CausePluginError, pf)
		r.PluginVersion = desc.Version
		r.Worker = w.name
		return r
	}

	w.logger.Debug("plugin done", "plugin", desc.Name, "uid", fo.UID, "elapsed", time.Since(started))
	result := out.result
	if result == nil {
		result = models.AnalysisResult{}
	}
	return intercom.Result{
		TaskID:        task.ID,
		RunID:         task.RunID,
		UID:           fo.UID,
		Plugin:        desc.Name,
		PluginVersion: desc.Version,
		Status:        models.AnalysisStatusDone,
		Result:        result,
		Worker:        w.name,
		FinishedAt:    time.Now().UTC(),
	}
}

// Pool runs a fixed number of workers over one binding.
type Pool struct {
	workers []*Worker
}

func NewPool(size int, cfg Config) *Pool {
	p := &Pool{}
	base := cfg.Name
	if base == "" {
		base = "worker"
	}
	for i := range size {
		c := cfg
		c.Name = fmt.Sprintf("%s-%d", base, i)
		p.workers = append(p.workers, New(c))
	}
	return p
}

// Run blocks until every worker has stopped. The first worker error
// cancels the others.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	return g.Wait()
}

func (p *Pool) Size() int {
	return len(p.workers)
}
