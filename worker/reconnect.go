package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/InsulaLabs/fact/intercom"
)

// Connection is a binding whose transport can go away, such as an
// intercom.Remote.
type Connection interface {
	intercom.Binding
	Done() <-chan struct{}
	Close() error
}

type DialFunc func(ctx context.Context) (Connection, error)

type ReconnectConfig struct {
	Logger *slog.Logger
	Dial   DialFunc
	// Size workers share each connection.
	Size   int
	Worker Config

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Reconnect keeps a pool of workers attached to the coordinator. When the
// connection drops it dials again, backing off exponentially while dialling
// fails. It returns nil once ctx is done.
func Reconnect(ctx context.Context, cfg ReconnectConfig) error {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	logger := cfg.Logger.WithGroup("reconnect")

	backoff := cfg.MinBackoff
	for {
		conn, err := cfg.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("could not reach coordinator", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff = min(backoff*2, cfg.MaxBackoff)
			continue
		}
		backoff = cfg.MinBackoff
		logger.Info("connected to coordinator", "workers", cfg.Size)

		connCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-conn.Done():
			case <-connCtx.Done():
			}
			cancel()
		}()

		wcfg := cfg.Worker
		wcfg.Binding = conn
		err = NewPool(cfg.Size, wcfg).Run(connCtx)
		cancel()
		conn.Close()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Error("worker pool stopped", "error", err)
		}
		logger.Warn("connection to coordinator lost")
	}
}
