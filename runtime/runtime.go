package runtime

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/InsulaLabs/fact/config"
	"github.com/charmbracelet/log"
	"github.com/fatih/color"
)

// Runtime manages the execution of factd: flags, configuration, signal
// handling and the lifetime of the assembled components.
type Runtime struct {
	appCtx     context.Context
	appCancel  context.CancelFunc
	logger     *slog.Logger
	cfg        *config.Config
	configFile string
	rawArgs    []string

	currentLogLevel slog.Level
}

// ErrConfigGenerated is returned by New after --new-cfg wrote a file; the
// caller should exit without running.
var ErrConfigGenerated = errors.New("configuration generated")

// New parses flags and loads the configuration.
func New(args []string, defaultConfigFile string) (*Runtime, error) {
	r := &Runtime{rawArgs: args}

	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "factdRuntime")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
		r.appCancel()
	}()

	var genConfigFile string
	fs := flag.NewFlagSet("runtime", flag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the configuration file (.yaml or .toml).")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new configuration file to a given path.")
	if err := fs.Parse(r.rawArgs); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if genConfigFile != "" {
		if err := config.WriteConfig(config.GenerateConfig(), genConfigFile); err != nil {
			return nil, fmt.Errorf("failed to write generated configuration to %s: %w", genConfigFile, err)
		}
		r.logger.Info("Successfully generated new configuration file", "path", genConfigFile)
		return nil, ErrConfigGenerated
	}

	var err error
	r.cfg, err = config.LoadConfig(r.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", r.configFile, err)
	}

	r.logger, r.currentLogLevel = NewLogger(r.cfg.Logging, os.Stderr)
	r.logger = r.logger.With("service", "factdRuntime")
	return r, nil
}

// ParseLevel maps a config level name to a slog level. Unknown names warn
// on the console and fall back to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "", "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	color.HiYellow("Unknown logging level: %s, defaulting to info", name)
	return slog.LevelInfo
}

// NewLogger builds the process logger: JSON lines by default, the charm
// text handler for format "text".
func NewLogger(cfg config.Logging, w io.Writer) (*slog.Logger, slog.Level) {
	level := ParseLevel(cfg.Level)
	if cfg.Format == config.LogFormatText {
		handler := log.NewWithOptions(w, log.Options{
			Level:           log.Level(level),
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
		})
		return slog.New(handler), level
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), level
}

// Run assembles the components and serves until the app context ends.
func (r *Runtime) Run() error {
	if r.cfg == nil {
		r.logger.Info("Runtime.Run called without a loaded configuration, nothing to run")
		return nil
	}

	comps, err := Assemble(r.appCtx, r.cfg, r.logger, r.currentLogLevel)
	if err != nil {
		return err
	}
	defer comps.Close()

	srv := &http.Server{
		Addr:              r.cfg.HTTP.Binding,
		Handler:           comps.Service.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		errs <- comps.Start(r.appCtx)
	}()
	go func() {
		r.logger.Info("Serving REST API", "binding", r.cfg.HTTP.Binding, "intercom", r.cfg.Intercom.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
			return
		}
		errs <- nil
	}()

	var runErr error
	select {
	case <-r.appCtx.Done():
	case runErr = <-errs:
		if runErr != nil {
			r.logger.Error("component stopped", "error", runErr)
		}
		r.appCancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("http shutdown incomplete", "error", err)
	}
	return runErr
}

// Wait for the runtime to complete its operations.
func (r *Runtime) Wait() {
	<-r.appCtx.Done()
	r.logger.Info("Runtime has been shut down.")
}

// Stop gracefully shuts down the runtime by canceling its context.
func (r *Runtime) Stop() {
	r.logger.Info("Runtime stop requested.")
	r.appCancel()
}

func (r *Runtime) Config() *config.Config {
	return r.cfg
}
