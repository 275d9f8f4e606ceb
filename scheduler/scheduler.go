package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/InsulaLabs/fact/db/store"
	"github.com/InsulaLabs/fact/internal/events"
	"github.com/InsulaLabs/fact/intercom"
	"github.com/InsulaLabs/fact/models"
	"github.com/InsulaLabs/fact/plugins"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

// Store is the part of the object store the scheduler uses.
type Store interface {
	GetObject(uid string) (*models.FileObject, error)
	ReadObject(uid string) (*models.FileObject, error)
	GetBinary(uid string) ([]byte, error)
	UpdateAnalysis(uid, plugin string, entry models.AnalysisEntry) error
}

type Settings struct {
	Logger   *slog.Logger
	Store    Store
	Registry *plugins.Registry
	Channel  intercom.Channel

	// Events receives a models.TaskEvent on every transition. Optional.
	Events events.PubSub

	// Presets maps plugin set names (default, minimal, custom ones) to
	// plugin lists. DefaultPreset is used when a selection names none.
	Presets       map[string][]string
	DefaultPreset string

	TaskTimeout time.Duration
	MaxInFlight int
	PollDelay   time.Duration

	// RunRetention keeps finished runs around for Run lookups.
	RunRetention time.Duration
}

// Selection names the plugins a run should make sure are done.
type Selection struct {
	Preset  string   `json:"preset,omitempty"`
	Plugins []string `json:"plugins,omitempty"`

	// Force re-runs plugins that already have a current result.
	Force bool `json:"force,omitempty"`
}

type Stats struct {
	Pending    int   `json:"pending"`
	Dispatched int   `json:"dispatched"`
	Queued     int   `json:"queued"`
	Done       int64 `json:"done"`
	Failed     int64 `json:"failed"`
	ActiveRuns int   `json:"active_runs"`
	Runs       int64 `json:"runs"`
}

/*
	Scheduler turns a root object into (object, plugin) tasks, hands them
	to the intercom channel in dependency order and records what comes
	back. Task state lives under a single mutex; results are consumed by one
	coordinator goroutine (Start) so transitions happen one at a time.

	Store writes and channel sends happen outside the mutex. A dispatched
	task is only ever settled once: by its result, by the failure to load
	or send it, or by the cancellation of its run.
*/
type Scheduler struct {
	logger    *slog.Logger
	store     Store
	registry  *plugins.Registry
	resolver  *plugins.Resolver
	channel   intercom.Channel
	publisher events.TopicPublisher
	settings  Settings

	mu       sync.Mutex
	runs     map[string]*Run
	tasks    map[string]*task
	ready    []*task
	inFlight int
	pending  int
	done     int64
	failed   int64
	runCount int64

	history *ttlcache.Cache[string, *Run]

	loopMu  sync.Mutex
	running bool
}

func New(settings Settings) (*Scheduler, error) {
	if settings.Store == nil || settings.Registry == nil || settings.Channel == nil {
		return nil, errors.New("scheduler: store, registry and channel are required")
	}
	if settings.MaxInFlight <= 0 {
		return nil, errors.New("scheduler: max in flight must be positive")
	}
	if settings.PollDelay <= 0 {
		settings.PollDelay = 100 * time.Millisecond
	}
	if settings.RunRetention <= 0 {
		settings.RunRetention = time.Hour
	}
	if settings.Logger == nil {
		settings.Logger = slog.Default()
	}

	s := &Scheduler{
		logger:   settings.Logger.WithGroup("scheduler"),
		store:    settings.Store,
		registry: settings.Registry,
		resolver: plugins.NewResolver(settings.Registry),
		channel:  settings.Channel,
		settings: settings,
		runs:     make(map[string]*Run),
		tasks:    make(map[string]*task),
		history: ttlcache.New[string, *Run](
			ttlcache.WithTTL[string, *Run](settings.RunRetention),
		),
	}

	if settings.Events != nil {
		pub, err := settings.Events.GetPublisher("scheduler", models.TopicTaskState)
		if err != nil {
			return nil, err
		}
		s.publisher = pub
	}
	return s, nil
}

// Start runs the coordinator loop until ctx is done or the channel closes.
// It blocks; callers normally run it in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.loopMu.Lock()
	if s.running {
		s.loopMu.Unlock()
		return errors.New("scheduler: already started")
	}
	s.running = true
	s.loopMu.Unlock()

	s.logger.Info("coordinator loop started", "max_in_flight", s.settings.MaxInFlight)
	for {
		res, err := s.channel.ReceiveResult(ctx, s.settings.PollDelay)
		switch {
		case err == nil:
			s.handleResult(ctx, res)
		case errors.Is(err, intercom.ErrTimeout):
			s.dispatch(ctx)
		case errors.Is(err, intercom.ErrClosed), ctx.Err() != nil:
			s.logger.Info("coordinator loop stopped")
			return nil
		default:
			s.logger.Error("receiving result failed", "error", err)
			return err
		}
	}
}

// Schedule walks everything contained in rootUID and creates the tasks
// the selection calls for. Resolution errors are returned and nothing is
// scheduled. The run is cancelled when ctx is.
func (s *Scheduler) Schedule(ctx context.Context, rootUID string, sel Selection) (*Run, error) {
	objects, err := s.walk(rootUID)
	if err != nil {
		return nil, err
	}
	return s.schedule(ctx, rootUID, objects, sel)
}

// ScheduleUpdate re-analyses a single object without descending into what
// it contains.
func (s *Scheduler) ScheduleUpdate(ctx context.Context, uid string, sel Selection) (*Run, error) {
	fo, err := s.store.GetObject(uid)
	if err != nil {
		return nil, err
	}
	return s.schedule(ctx, uid, []*models.FileObject{fo}, sel)
}

// walk collects rootUID and everything it transitively contains, each UID
// once, without recursion.
func (s *Scheduler) walk(rootUID string) ([]*models.FileObject, error) {
	root, err := s.store.GetObject(rootUID)
	if err != nil {
		return nil, err
	}
	visited := map[string]bool{rootUID: true}
	objects := []*models.FileObject{root}
	for i := 0; i < len(objects); i++ {
		for _, child := range objects[i].FilesIncluded {
			if visited[child] {
				continue
			}
			visited[child] = true
			fo, err := s.store.GetObject(child)
			if err != nil {
				var nf *store.ErrObjectNotFound
				if errors.As(err, &nf) {
					s.logger.Warn("contained object missing from store", "uid", child, "parent", objects[i].UID)
					continue
				}
				return nil, err
			}
			objects = append(objects, fo)
		}
	}
	return objects, nil
}

func (s *Scheduler) selection(sel Selection) ([]string, error) {
	if len(sel.Plugins) > 0 {
		return sel.Plugins, nil
	}
	name := sel.Preset
	if name == "" {
		name = s.settings.DefaultPreset
	}
	list, ok := s.settings.Presets[name]
	if !ok {
		return nil, &UnknownPresetError{Name: name}
	}
	return list, nil
}

func (s *Scheduler) schedule(ctx context.Context, rootUID string, objects []*models.FileObject, sel Selection) (*Run, error) {
	requested, err := s.selection(sel)
	if err != nil {
		return nil, err
	}

	descriptors := s.registry.Descriptors()
	orders := map[string][]string{}
	for _, fo := range objects {
		if _, ok := orders[fo.MimeType]; ok {
			continue
		}
		order, err := s.resolver.ResolveFor(requested, fo.MimeType)
		if err != nil {
			return nil, &ResolutionError{UID: fo.UID, Mime: fo.MimeType, Err: err}
		}
		orders[fo.MimeType] = order
	}

	run := &Run{
		ID:        uuid.NewString(),
		RootUID:   rootUID,
		StartedAt: time.Now().UTC(),
		s:         s,
		done:      make(chan struct{}),
	}

	for _, fo := range objects {
		byPlugin := map[string]*task{}
		for _, name := range orders[fo.MimeType] {
			version := descriptors[name].Version
			if entry, ok := fo.ProcessedAnalysis[name]; ok && entry.IsDoneAt(version) && !sel.Force {
				continue
			}
			t := &task{
				id:      uuid.NewString(),
				run:     run,
				uid:     fo.UID,
				plugin:  name,
				version: version,
				state:   models.TaskPending,
			}
			for _, dep := range descriptors[name].Dependencies {
				if dt, ok := byPlugin[dep]; ok {
					t.waiting++
					dt.dependents = append(dt.dependents, t)
				}
			}
			byPlugin[name] = t
			run.tasks = append(run.tasks, t)
		}
	}

	var evs []models.TaskEvent
	s.mu.Lock()
	s.runCount++
	run.remaining = len(run.tasks)
	for _, t := range run.tasks {
		s.tasks[t.id] = t
		s.pending++
		evs = append(evs, s.event(t))
	}
	if run.remaining == 0 {
		s.finishRunLocked(run)
	} else {
		s.runs[run.ID] = run
		run.stop = context.AfterFunc(ctx, run.Cancel)
		for _, t := range run.tasks {
			if t.waiting == 0 {
				s.ready = append(s.ready, t)
			}
		}
	}
	s.mu.Unlock()

	s.logger.Info("run scheduled",
		"run_id", run.ID, "root_uid", rootUID, "objects", len(objects), "tasks", len(run.tasks))
	s.emit(evs)

	s.dispatch(ctx)
	return run, nil
}

// dispatch sends ready tasks until the in flight ceiling is reached.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		batch, evs := s.takeReady()
		s.emit(evs)
		if len(batch) == 0 {
			return
		}
		for _, t := range batch {
			msg, err := s.buildTask(t)
			if err != nil {
				var su *store.StorageUnavailable
				if errors.As(err, &su) {
					s.settle(ctx, t, models.TaskFailed, models.CauseStorage, err.Error(), err, false)
				} else {
					s.settle(ctx, t, models.TaskFailed, models.CausePluginError, err.Error(), nil, true)
				}
				continue
			}
			if err := s.channel.Send(ctx, msg); err != nil {
				s.logger.Error("dispatch failed", "task_id", t.id, "plugin", t.plugin, "uid", t.uid, "error", err)
				// A send cut short by shutdown is not the plugin's failure.
				s.settle(ctx, t, models.TaskFailed, models.CausePluginError, "dispatch failed: "+err.Error(), nil, ctx.Err() == nil)
			}
		}
	}
}

func (s *Scheduler) takeReady() ([]*task, []models.TaskEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []*task
	var evs []models.TaskEvent
	taken := 0
	for taken < len(s.ready) && s.inFlight < s.settings.MaxInFlight {
		t := s.ready[taken]
		taken++
		if t.state != models.TaskPending || t.run.cancelled {
			continue
		}
		t.state = models.TaskDispatched
		s.pending--
		s.inFlight++
		batch = append(batch, t)
		evs = append(evs, s.event(t))
	}
	// Shift in place so the backing array is reused instead of leaked.
	s.ready = slices.Delete(s.ready, 0, taken)
	return batch, evs
}

// buildTask snapshots the object as it is now, so results of dependencies
// that finished earlier travel with the task. The read skips the store
// cache.
func (s *Scheduler) buildTask(t *task) (intercom.Task, error) {
	fo, err := s.store.ReadObject(t.uid)
	if err != nil {
		return intercom.Task{}, err
	}
	binary, err := s.store.GetBinary(t.uid)
	if err != nil {
		var nf *store.ErrObjectNotFound
		if !errors.As(err, &nf) {
			return intercom.Task{}, err
		}
		binary = nil
	}
	return intercom.Task{
		ID:       t.id,
		RunID:    t.run.ID,
		Plugin:   t.plugin,
		Object:   fo,
		Binary:   binary,
		Timeout:  s.settings.TaskTimeout,
		QueuedAt: time.Now().UTC(),
	}, nil
}

func (s *Scheduler) handleResult(ctx context.Context, res intercom.Result) {
	s.mu.Lock()
	t, ok := s.tasks[res.TaskID]
	if !ok || t.state != models.TaskDispatched || t.run.ID != res.RunID {
		s.mu.Unlock()
		s.logger.Debug("discarding result", "task_id", res.TaskID, "run_id", res.RunID, "plugin", res.Plugin)
		return
	}
	s.mu.Unlock()

	entry := models.AnalysisEntry{
		PluginVersion: t.version,
		AnalysisDate:  res.FinishedAt,
		Status:        res.Status,
	}
	if res.PluginVersion != "" {
		entry.PluginVersion = res.PluginVersion
	}
	if entry.AnalysisDate.IsZero() {
		entry.AnalysisDate = time.Now().UTC()
	}
	if res.Status == models.AnalysisStatusDone {
		entry.Result = res.Result
	} else {
		entry.Status = models.AnalysisStatusFailed
		entry.FailureReason = res.Error
		entry.Cause = res.Cause
		if entry.Cause == "" {
			entry.Cause = models.CausePluginError
		}
	}

	if err := s.store.UpdateAnalysis(t.uid, t.plugin, entry); err != nil {
		s.settle(ctx, t, models.TaskFailed, models.CauseStorage, err.Error(), asStorage(err), false)
	} else if entry.Status == models.AnalysisStatusDone {
		s.settle(ctx, t, models.TaskDone, "", "", nil, false)
	} else {
		s.settle(ctx, t, models.TaskFailed, entry.Cause, entry.FailureReason, nil, false)
	}
	s.dispatch(ctx)
}

func asStorage(err error) error {
	var su *store.StorageUnavailable
	if errors.As(err, &su) {
		return err
	}
	return &store.StorageUnavailable{Op: "update analysis", Err: err}
}

type marker struct {
	uid    string
	plugin string
	run    *Run
	entry  models.AnalysisEntry
}

// settle moves a task to a terminal state and updates everything that
// depends on it. Dependents of a failed task fail too; their failure
// markers are written after the lock is released. With record set, a
// failed task gets a marker of its own as well.
func (s *Scheduler) settle(ctx context.Context, t *task, state models.TaskState, cause models.FailureCause, reason string, runErr error, record bool) {
	var evs []models.TaskEvent
	var markers []marker

	s.mu.Lock()
	if t.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if t.state == models.TaskDispatched {
		s.inFlight--
	} else {
		s.pending--
	}
	s.terminateLocked(t, state, cause, reason)
	evs = append(evs, s.event(t))
	if runErr != nil && t.run.err == nil {
		t.run.err = runErr
	}
	if record && state == models.TaskFailed && cause != models.CauseCancelled && !t.run.cancelled {
		markers = append(markers, failureMarker(t, cause, reason))
	}

	if state == models.TaskDone {
		for _, d := range t.dependents {
			d.waiting--
			if d.waiting == 0 && d.state == models.TaskPending {
				s.ready = append(s.ready, d)
			}
		}
	} else {
		work := append([]*task{}, t.dependents...)
		for len(work) > 0 {
			d := work[0]
			work = work[1:]
			if d.state != models.TaskPending {
				continue
			}
			s.pending--
			depReason := "dependency " + t.plugin + " failed"
			s.terminateLocked(d, models.TaskFailed, models.CauseDependencyFailed, depReason)
			evs = append(evs, s.event(d))
			if !d.run.cancelled {
				markers = append(markers, failureMarker(d, models.CauseDependencyFailed, depReason))
			}
			work = append(work, d.dependents...)
		}
	}
	s.mu.Unlock()

	s.emit(evs)

	for _, m := range markers {
		if err := s.store.UpdateAnalysis(m.uid, m.plugin, m.entry); err != nil {
			s.logger.Error("could not store failure marker", "uid", m.uid, "plugin", m.plugin, "cause", m.entry.Cause, "error", err)
			s.mu.Lock()
			if m.run.err == nil {
				m.run.err = asStorage(err)
			}
			s.mu.Unlock()
		}
	}
}

func failureMarker(t *task, cause models.FailureCause, reason string) marker {
	return marker{
		uid:    t.uid,
		plugin: t.plugin,
		run:    t.run,
		entry: models.AnalysisEntry{
			PluginVersion: t.version,
			AnalysisDate:  time.Now().UTC(),
			Status:        models.AnalysisStatusFailed,
			FailureReason: reason,
			Cause:         cause,
		},
	}
}

// terminateLocked records the final state and closes the run once its last
// task is terminal.
func (s *Scheduler) terminateLocked(t *task, state models.TaskState, cause models.FailureCause, reason string) {
	t.state = state
	t.cause = cause
	t.reason = reason
	if state == models.TaskDone {
		s.done++
	} else {
		s.failed++
	}

	t.run.remaining--
	if t.run.remaining == 0 {
		s.finishRunLocked(t.run)
	}
}

func (s *Scheduler) finishRunLocked(run *Run) {
	run.finishedAt = time.Now().UTC()
	for _, t := range run.tasks {
		delete(s.tasks, t.id)
	}
	delete(s.runs, run.ID)
	s.history.DeleteExpired()
	s.history.Set(run.ID, run, ttlcache.DefaultTTL)
	run.closeDone()
	s.logger.Info("run finished", "run_id", run.ID, "root_uid", run.RootUID, "tasks", len(run.tasks), "cancelled", run.cancelled)
}

// cancelRun fails every task of the run that is not terminal yet and
// returns the IDs of those that were already dispatched.
func (s *Scheduler) cancelRun(run *Run) ([]models.TaskEvent, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.cancelled || run.remaining == 0 {
		return nil, nil
	}
	run.cancelled = true
	s.logger.Info("run cancelled", "run_id", run.ID)

	var evs []models.TaskEvent
	var dispatched []string
	for _, t := range run.tasks {
		switch t.state {
		case models.TaskPending:
			s.pending--
		case models.TaskDispatched:
			s.inFlight--
			dispatched = append(dispatched, t.id)
		default:
			continue
		}
		s.terminateLocked(t, models.TaskFailed, models.CauseCancelled, "run cancelled")
		evs = append(evs, s.event(t))
	}
	run.closeDone()
	return evs, dispatched
}

// Run looks up an active or recently finished run.
func (s *Scheduler) Run(id string) (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		return r, true
	}
	if item := s.history.Get(id); item != nil {
		return item.Value(), true
	}
	return nil, false
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:    s.pending,
		Dispatched: s.inFlight,
		Queued:     len(s.ready),
		Done:       s.done,
		Failed:     s.failed,
		ActiveRuns: len(s.runs),
		Runs:       s.runCount,
	}
}

func (s *Scheduler) event(t *task) models.TaskEvent {
	return models.TaskEvent{
		RunID:     t.run.ID,
		TaskID:    t.id,
		UID:       t.uid,
		Plugin:    t.plugin,
		State:     t.state,
		Cause:     t.cause,
		Timestamp: time.Now().UTC(),
	}
}

// emit publishes outside the scheduler lock so subscribers may call back in.
func (s *Scheduler) emit(evs []models.TaskEvent) {
	if s.publisher == nil {
		return
	}
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := s.publisher.Publish(context.Background(), data); err != nil {
			s.logger.Debug("publishing task event failed", "error", err)
		}
	}
}
