package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/InsulaLabs/fact/config"
	"github.com/InsulaLabs/fact/intercom"
	"github.com/InsulaLabs/fact/plugins"
	"github.com/InsulaLabs/fact/plugins/builtin"
	"github.com/InsulaLabs/fact/runtime"
	"github.com/InsulaLabs/fact/worker"
	"github.com/fatih/color"
)

// factw runs analysis workers against a factd coordinator in websocket
// mode. The plugin set comes from the same config file factd uses.
func main() {
	var (
		configFile  string
		coordinator string
		name        string
		concurrency int
	)
	fs := flag.NewFlagSet("factw", flag.ExitOnError)
	fs.StringVar(&configFile, "config", "fact.yaml", "Path to the configuration file (.yaml or .toml).")
	fs.StringVar(&coordinator, "url", "", "Coordinator intercom endpoint, defaults to ws://<http.binding>/intercom.")
	fs.StringVar(&name, "name", "", "Worker name reported to the coordinator, defaults to the hostname.")
	fs.IntVar(&concurrency, "concurrency", 2, "Number of tasks processed in parallel.")
	fs.Parse(os.Args[1:])

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		color.HiRed("failed to load configuration from %s: %v", configFile, err)
		os.Exit(1)
	}
	logger, _ := runtime.NewLogger(cfg.Logging, os.Stderr)
	logger = logger.With("service", "factw")

	if cfg.Intercom.Mode != config.IntercomModeWebSocket {
		color.HiYellow("intercom.mode is %q; factd will not accept remote workers", cfg.Intercom.Mode)
	}
	if coordinator == "" {
		coordinator = fmt.Sprintf("ws://%s/intercom", cfg.HTTP.Binding)
	}
	if name == "" {
		host, _ := os.Hostname()
		name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	registry := plugins.NewRegistry(logger)
	if err := builtin.Register(registry, cfg.Plugins.Enabled); err != nil {
		logger.Error("failed to register plugins", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err = worker.Reconnect(ctx, worker.ReconnectConfig{
		Logger: logger,
		Dial: func(ctx context.Context) (worker.Connection, error) {
			return intercom.Dial(ctx, coordinator, intercom.RemoteConfig{
				Logger:         logger,
				Name:           name,
				MaxMessageSize: cfg.Intercom.WebSocket.MaxMessageSize,
				BufferSize:     concurrency,
			})
		},
		Size: concurrency,
		Worker: worker.Config{
			Logger:         logger,
			Name:           name,
			Registry:       registry,
			DefaultTimeout: cfg.Scheduler.TaskTimeout,
		},
	})
	if err != nil {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("factw exiting")
}
