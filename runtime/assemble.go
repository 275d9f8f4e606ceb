package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/InsulaLabs/fact/config"
	"github.com/InsulaLabs/fact/db/store"
	"github.com/InsulaLabs/fact/db/tkv"
	"github.com/InsulaLabs/fact/filetree"
	"github.com/InsulaLabs/fact/internal/events"
	"github.com/InsulaLabs/fact/intercom"
	"github.com/InsulaLabs/fact/models"
	"github.com/InsulaLabs/fact/plugins"
	"github.com/InsulaLabs/fact/plugins/builtin"
	"github.com/InsulaLabs/fact/scheduler"
	"github.com/InsulaLabs/fact/service"
	"github.com/InsulaLabs/fact/worker"
	"golang.org/x/sync/errgroup"
)

/*
	Components is everything factd runs, wired from one config:

		tkv -> store -> registry -> channel (local or hub) -> redispatcher
		    -> scheduler -> service

	In local mode a worker pool consumes the local channel in process; in
	websocket mode the hub is mounted at /intercom and factw processes
	connect to it.
*/
type Components struct {
	KV         tkv.TKV
	Store      *store.Store
	Registry   *plugins.Registry
	Events     events.PubSub
	Redispatch *intercom.Redispatcher
	Scheduler  *scheduler.Scheduler
	Service    *service.Service

	// Exactly one of these is set, depending on intercom.mode.
	Local *intercom.Local
	Hub   *intercom.Hub
	Pool  *worker.Pool

	unsubscribe events.Unsubscriber
}

// Assemble builds the components without starting any goroutines.
func Assemble(ctx context.Context, cfg *config.Config, logger *slog.Logger, logLevel slog.Level) (*Components, error) {
	c := &Components{}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	var err error
	c.KV, err = tkv.New(tkv.Config{
		Logger:         logger.WithGroup("tkv"),
		BadgerLogLevel: logLevel,
		Directory:      cfg.DataStorage.Directory,
		CacheTTL:       cfg.DataStorage.CacheTTL,
		AppCtx:         ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open data store in %s: %w", cfg.ValuesDir(), err)
	}
	c.Store = store.New(logger, c.KV, cfg.DataStorage.CacheTTL)

	c.Registry = plugins.NewRegistry(logger)
	if err := builtin.Register(c.Registry, cfg.Plugins.Enabled); err != nil {
		return nil, fmt.Errorf("failed to register plugins: %w", err)
	}

	c.Events = events.NewPubSub(events.Config{Topics: []string{models.TopicTaskState}})
	c.unsubscribe, err = c.Events.Subscribe(models.TopicTaskState, taskLogger(logger.WithGroup("tasks")))
	if err != nil {
		return nil, err
	}

	var channel intercom.Channel
	var workers func() int
	var intercomHandler http.Handler
	switch cfg.Intercom.Mode {
	case config.IntercomModeWebSocket:
		ws := cfg.Intercom.WebSocket
		c.Hub = intercom.NewHub(intercom.HubConfig{
			Logger:          logger,
			ReadBufferSize:  ws.ReadBufferSize,
			WriteBufferSize: ws.WriteBufferSize,
			MaxMessageSize:  ws.MaxMessageSize,
			MaxConnections:  ws.MaxConnections,
			BufferSize:      cfg.Intercom.BufferSize,
		})
		channel = c.Hub
		workers = c.Hub.Workers
		intercomHandler = c.Hub
	default:
		c.Local = intercom.NewLocal(cfg.Intercom.BufferSize)
		c.Pool = worker.NewPool(cfg.Intercom.LocalWorkers, worker.Config{
			Logger:         logger.WithGroup("worker"),
			Binding:        c.Local,
			Registry:       c.Registry,
			DefaultTimeout: cfg.Scheduler.TaskTimeout,
		})
		channel = c.Local
	}

	// Workers enforce the task timeout themselves; the redispatcher only
	// steps in for tasks a worker took and never answered.
	c.Redispatch = intercom.NewRedispatcher(channel, intercom.RedispatchConfig{
		Logger:        logger,
		Timeout:       cfg.Scheduler.TaskTimeout + cfg.Scheduler.TaskTimeout/2,
		MaxRedispatch: cfg.Scheduler.MaxRedispatch,
		PollDelay:     cfg.Scheduler.PollDelay,
	})

	presets := map[string][]string{
		config.PluginSetDefault: cfg.Plugins.Default,
		config.PluginSetMinimal: cfg.Plugins.Minimal,
	}
	for name, list := range cfg.Plugins.Custom {
		presets[name] = list
	}

	c.Scheduler, err = scheduler.New(scheduler.Settings{
		Logger:        logger,
		Store:         c.Store,
		Registry:      c.Registry,
		Channel:       c.Redispatch,
		Events:        c.Events,
		Presets:       presets,
		DefaultPreset: cfg.Scheduler.PluginSet,
		TaskTimeout:   cfg.Scheduler.TaskTimeout,
		MaxInFlight:   cfg.Scheduler.MaxInFlight,
		PollDelay:     cfg.Scheduler.PollDelay,
	})
	if err != nil {
		return nil, err
	}

	c.Service, err = service.New(service.Config{
		Logger:          logger,
		Store:           c.Store,
		Registry:        c.Registry,
		Scheduler:       c.Scheduler,
		Tree:            filetree.NewBuilder(c.Store, filetree.WithFallback(filetree.FirstRecordedFallback)),
		Intercom:        intercomHandler,
		Workers:         workers,
		RateLimit:       cfg.HTTP.RateLimit,
		UploadRateLimit: cfg.HTTP.UploadRateLimit,
		TrustedProxies:  cfg.HTTP.TrustedProxies,
		MaxUploadSize:   cfg.HTTP.MaxUploadSize,
		MaxDepth:        cfg.Scheduler.MaxDepth,
		AppCtx:          ctx,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("components assembled",
		"plugins", len(c.Registry.All()),
		"intercom", cfg.Intercom.Mode,
		"data_dir", cfg.DataStorage.Directory)
	ok = true
	return c, nil
}

// Start runs the scheduler loop and, in local mode, the worker pool. It
// returns once ctx is done or one of them fails.
func (c *Components) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.Scheduler.Start(gctx)
	})
	if c.Pool != nil {
		g.Go(func() error {
			return c.Pool.Run(gctx)
		})
	}
	return g.Wait()
}

func (c *Components) Close() {
	if c.Service != nil {
		c.Service.Close()
	}
	if c.Redispatch != nil {
		c.Redispatch.Close()
	}
	if c.Hub != nil {
		c.Hub.Close()
	}
	if c.Local != nil {
		c.Local.Close()
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	if c.KV != nil {
		c.KV.Close()
	}
}

// taskLogger writes task transitions at debug level. Failures are logged
// at warn so they show up without debug logging.
func taskLogger(logger *slog.Logger) events.SubscriberFunc {
	return func(ctx context.Context, ev events.Event) {
		var te models.TaskEvent
		if err := json.Unmarshal(ev.Data, &te); err != nil {
			logger.Warn("undecodable task event", "event_id", ev.EventID, "error", err)
			return
		}
		level := slog.LevelDebug
		if te.State == models.TaskFailed {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "task transition",
			"run_id", te.RunID, "uid", te.UID, "plugin", te.Plugin, "state", te.State, "cause", te.Cause)
	}
}
