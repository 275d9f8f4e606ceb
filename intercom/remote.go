package intercom

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type RemoteConfig struct {
	Logger *slog.Logger

	// Name identifies the worker in coordinator logs and results.
	Name           string
	MaxMessageSize int64
	BufferSize     int
}

/*
	Remote is the worker end of the websocket transport. Every ReceiveTask
	caller waiting for work is backed by one ready frame sent to the hub,
	so the hub never writes more tasks than there are callers to take them.
*/
type Remote struct {
	logger *slog.Logger
	conn   *websocket.Conn
	name   string

	tasks chan Task
	send  chan []byte

	creditMu    sync.Mutex
	waiting     int
	outstanding int

	done      chan struct{}
	closeOnce sync.Once
}

var _ Binding = &Remote{}

// Dial connects to a coordinator hub, e.g. ws://127.0.0.1:5000/intercom.
func Dial(ctx context.Context, rawURL string, cfg RemoteConfig) (*Remote, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if cfg.Name != "" {
		q := u.Query()
		q.Set("worker", cfg.Name)
		u.RawQuery = q.Encode()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	r := &Remote{
		logger: cfg.Logger.WithGroup("remote"),
		conn:   conn,
		name:   cfg.Name,
		tasks:  make(chan Task, cfg.BufferSize),
		send:   make(chan []byte, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	hello, _ := json.Marshal(frame{Type: frameHello, Worker: cfg.Name})
	r.send <- hello

	go r.writePump()
	go r.readPump(cfg.MaxMessageSize)
	return r, nil
}

func (r *Remote) ReceiveTask(ctx context.Context) (Task, error) {
	select {
	case t := <-r.tasks:
		// This call may have taken a task announced for another waiter.
		return t, r.adjustWaiting(ctx, 0)
	default:
	}

	if err := r.adjustWaiting(ctx, 1); err != nil {
		r.adjustWaiting(ctx, -1)
		return Task{}, err
	}
	defer r.adjustWaiting(ctx, -1)

	select {
	case t := <-r.tasks:
		return t, nil
	case <-r.done:
		return Task{}, ErrClosed
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// adjustWaiting changes the number of waiting callers and sends ready
// frames until every waiter has one outstanding.
func (r *Remote) adjustWaiting(ctx context.Context, delta int) error {
	r.creditMu.Lock()
	defer r.creditMu.Unlock()
	r.waiting += delta
	for r.outstanding < r.waiting {
		message, err := json.Marshal(frame{Type: frameReady, Worker: r.name})
		if err != nil {
			return err
		}
		select {
		case r.send <- message:
			r.outstanding++
		case <-r.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Remote) SendResult(ctx context.Context, result Result) error {
	if result.Worker == "" {
		result.Worker = r.name
	}
	message, err := json.Marshal(frame{Type: frameResult, Result: &result})
	if err != nil {
		return err
	}
	select {
	case r.send <- message:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the connection to the coordinator is gone.
func (r *Remote) Done() <-chan struct{} {
	return r.done
}

func (r *Remote) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		r.conn.Close()
	})
	return nil
}

func (r *Remote) readPump(maxMessageSize int64) {
	defer r.Close()
	r.conn.SetReadLimit(maxMessageSize)
	r.conn.SetReadDeadline(time.Now().Add(pongWait))
	r.conn.SetPingHandler(func(appData string) error {
		r.conn.SetReadDeadline(time.Now().Add(pongWait))
		return r.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	for {
		_, message, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Error("Coordinator read error", "error", err)
			}
			return
		}
		r.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f frame
		if err := json.Unmarshal(message, &f); err != nil || f.Type != frameTask || f.Task == nil {
			r.logger.Warn("Discarding unexpected frame from coordinator", "error", err)
			continue
		}
		r.creditMu.Lock()
		if r.outstanding > 0 {
			r.outstanding--
		}
		r.creditMu.Unlock()
		select {
		case r.tasks <- *f.Task:
		case <-r.done:
			return
		}
	}
}

func (r *Remote) writePump() {
	for {
		select {
		case message := <-r.send:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				r.logger.Error("Result write failed", "error", err)
				r.Close()
				return
			}
		case <-r.done:
			return
		}
	}
}
