package intercom

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/InsulaLabs/fact/models"
	"github.com/jellydator/ttlcache/v3"
)

type RedispatchConfig struct {
	Logger *slog.Logger

	// Timeout is how long a worker may hold a task without answering.
	Timeout time.Duration

	// MaxRedispatch is how many times an unanswered task is sent again
	// before it is reported as failed.
	MaxRedispatch int

	// PollDelay bounds each wait on the wrapped channel so expiries are
	// noticed while no results come in.
	PollDelay time.Duration
}

type tracked struct {
	task     Task
	attempts int
}

/*
	Redispatcher wraps a Channel with answer tracking. When the wrapped
	channel reports hand-offs (Local, Hub), a sent task is parked until a
	worker takes it and only then gets a ttlcache entry whose TTL is the
	task timeout, so tasks queued behind busy workers never expire. Other
	channels start the clock at Send.

	An entry that expires is sent again until MaxRedispatch is used up,
	after which ReceiveResult hands out a failed result carrying a
	DispatchTimeoutError.

	Results for tasks that are no longer tracked (duplicates of an already
	answered task, answers to a forgotten task) are dropped, so callers
	see at most one result per task ID.
*/
type Redispatcher struct {
	inner  Channel
	cfg    RedispatchConfig
	logger *slog.Logger

	handOff bool

	queuedMu sync.Mutex
	queued   map[string]tracked

	inflight  *ttlcache.Cache[string, tracked]
	forgotten *ttlcache.Cache[string, struct{}]

	expiredMu sync.Mutex
	expired   []tracked
}

var (
	_ Channel   = &Redispatcher{}
	_ Forgetter = &Redispatcher{}
)

func NewRedispatcher(inner Channel, cfg RedispatchConfig) *Redispatcher {
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 100 * time.Millisecond
	}
	r := &Redispatcher{
		inner:  inner,
		cfg:    cfg,
		logger: cfg.Logger.WithGroup("redispatch"),
		queued: make(map[string]tracked),
		inflight: ttlcache.New[string, tracked](
			ttlcache.WithTTL[string, tracked](cfg.Timeout),
			ttlcache.WithDisableTouchOnHit[string, tracked](),
		),
		forgotten: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](2*cfg.Timeout + time.Minute),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}

	// The callback only queues; redispatching happens on the caller of
	// ReceiveResult so no cache method is re-entered from here.
	r.inflight.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, tracked]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		r.expiredMu.Lock()
		r.expired = append(r.expired, item.Value())
		r.expiredMu.Unlock()
	})

	if n, ok := inner.(HandOffNotifier); ok {
		r.handOff = true
		n.OnHandOff(r.started)
	}
	return r
}

func (r *Redispatcher) Send(ctx context.Context, task Task) error {
	return r.send(ctx, tracked{task: task, attempts: 1})
}

func (r *Redispatcher) send(ctx context.Context, t tracked) error {
	if r.forgotten.Has(t.task.ID) {
		return nil
	}
	t.task.Attempt = t.attempts
	if r.handOff {
		r.queuedMu.Lock()
		r.queued[t.task.ID] = t
		r.queuedMu.Unlock()
	} else {
		r.inflight.Set(t.task.ID, t, r.cfg.Timeout)
	}
	if err := r.inner.Send(ctx, t.task); err != nil {
		r.untrack(t.task.ID)
		return err
	}
	return nil
}

// started moves a task from the queue into timeout tracking once a worker
// took it.
func (r *Redispatcher) started(taskID string) {
	r.queuedMu.Lock()
	t, ok := r.queued[taskID]
	delete(r.queued, taskID)
	r.queuedMu.Unlock()
	if !ok || r.forgotten.Has(taskID) {
		return
	}
	r.inflight.Set(taskID, t, r.cfg.Timeout)
}

// untrack drops a task from both stages and reports whether it was tracked.
func (r *Redispatcher) untrack(taskID string) bool {
	r.queuedMu.Lock()
	_, queued := r.queued[taskID]
	delete(r.queued, taskID)
	r.queuedMu.Unlock()

	// An entry past its TTL stays put so the expiry path still sees it.
	_, running := r.inflight.GetAndDelete(taskID)
	return queued || running
}

// InFlight is the number of tasks sent and not yet answered, queued or
// running.
func (r *Redispatcher) InFlight() int {
	r.queuedMu.Lock()
	n := len(r.queued)
	r.queuedMu.Unlock()
	return n + r.inflight.Len()
}

// Waiting is the number of sent tasks no worker has taken yet.
func (r *Redispatcher) Waiting() int {
	r.queuedMu.Lock()
	defer r.queuedMu.Unlock()
	return len(r.queued)
}

func (r *Redispatcher) ReceiveResult(ctx context.Context, timeout time.Duration) (Result, error) {
	deadline := time.Now().Add(timeout)
	for {
		if res, ok, err := r.handleExpired(ctx); err != nil || ok {
			return res, err
		}

		wait := min(time.Until(deadline), r.cfg.PollDelay)
		if wait <= 0 {
			return Result{}, ErrTimeout
		}

		res, err := r.inner.ReceiveResult(ctx, wait)
		if errors.Is(err, ErrTimeout) {
			r.inflight.DeleteExpired()
			r.forgotten.DeleteExpired()
			continue
		}
		if err != nil {
			return Result{}, err
		}

		if !r.untrack(res.TaskID) {
			r.logger.Debug("dropping result for untracked task", "task_id", res.TaskID, "plugin", res.Plugin, "uid", res.UID)
			continue
		}
		return res, nil
	}
}

// handleExpired redispatches expired tasks that have attempts left and
// returns a synthesised failure for the first one that has none.
func (r *Redispatcher) handleExpired(ctx context.Context) (Result, bool, error) {
	r.expiredMu.Lock()
	pending := r.expired
	r.expired = nil
	r.expiredMu.Unlock()

	for i, t := range pending {
		if r.forgotten.Has(t.task.ID) {
			continue
		}
		if t.attempts <= r.cfg.MaxRedispatch {
			r.logger.Warn("task not answered, redispatching",
				"task_id", t.task.ID, "plugin", t.task.Plugin, "attempt", t.attempts+1)
			t.attempts++
			if err := r.send(ctx, t); err != nil {
				r.requeueExpired(pending[i:])
				return Result{}, false, err
			}
			continue
		}

		r.requeueExpired(pending[i+1:])
		timeoutErr := &DispatchTimeoutError{
			TaskID:   t.task.ID,
			Plugin:   t.task.Plugin,
			Attempts: t.attempts,
			Timeout:  r.cfg.Timeout,
		}
		if t.task.Object != nil {
			timeoutErr.UID = t.task.Object.UID
		}
		r.logger.Error("task timed out", "error", timeoutErr)
		return FailedResult(t.task, models.CauseTimeout, timeoutErr), true, nil
	}
	return Result{}, false, nil
}

func (r *Redispatcher) requeueExpired(rest []tracked) {
	if len(rest) == 0 {
		return
	}
	r.expiredMu.Lock()
	r.expired = append(append([]tracked{}, rest...), r.expired...)
	r.expiredMu.Unlock()
}

// Forget stops tracking a task, e.g. because its run was cancelled. It is
// never redispatched, a later Send of it is skipped and its result, should
// one arrive, is dropped.
func (r *Redispatcher) Forget(taskID string) {
	r.forgotten.Set(taskID, struct{}{}, ttlcache.DefaultTTL)
	r.untrack(taskID)
}

func (r *Redispatcher) Close() error {
	r.queuedMu.Lock()
	clear(r.queued)
	r.queuedMu.Unlock()
	r.inflight.DeleteAll()
	r.forgotten.DeleteAll()
	return r.inner.Close()
}
