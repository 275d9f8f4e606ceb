package intercom

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait   = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.

	defaultMaxMessageSize = 64 << 20
)

const (
	frameHello  = "hello"
	frameTask   = "task"
	frameResult = "result"
	frameReady  = "ready"
)

// frame is the envelope of every websocket message in either direction.
type frame struct {
	Type   string  `json:"type"`
	Worker string  `json:"worker,omitempty"`
	Task   *Task   `json:"task,omitempty"`
	Result *Result `json:"result,omitempty"`
}

type HubConfig struct {
	Logger          *slog.Logger
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	MaxConnections  int
	BufferSize      int
}

/*
	Hub is the coordinator end of the websocket transport. Remote workers
	connect to it over HTTP upgrade. Tasks are kept in one shared queue.
	A worker sends a ready frame for every free slot it has, and a task is
	written to a session only for a slot it announced, so tasks wait in the
	shared queue while every worker is busy and go to whichever frees up.

	A task written to a session whose connection then fails is lost here;
	the Redispatcher in front of the hub sends it again after the timeout.
*/
type Hub struct {
	handOffHook

	logger   *slog.Logger
	cfg      HubConfig
	upgrader websocket.Upgrader

	tasks   chan Task
	results chan Result

	sessionsMu sync.Mutex
	sessions   map[*hubSession]bool
	active     atomic.Int32

	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ Channel         = &Hub{}
	_ HandOffNotifier = &Hub{}
)

type hubSession struct {
	hub    *Hub
	conn   *websocket.Conn
	worker string
	closed chan struct{}
	once   sync.Once

	// credit is the number of ready frames not yet answered with a task.
	credit atomic.Int32
	wake   chan struct{}
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	return &Hub{
		logger: cfg.Logger.WithGroup("hub"),
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
		},
		tasks:    make(chan Task, cfg.BufferSize),
		results:  make(chan Result, cfg.BufferSize),
		sessions: make(map[*hubSession]bool),
		done:     make(chan struct{}),
	}
}

func (h *Hub) Send(ctx context.Context, task Task) error {
	select {
	case <-h.done:
		return ErrClosed
	default:
	}
	select {
	case h.tasks <- task:
		return nil
	case <-h.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) ReceiveResult(ctx context.Context, timeout time.Duration) (Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-h.results:
		return r, nil
	case <-timer.C:
		return Result{}, ErrTimeout
	case <-h.done:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Workers returns the number of connected workers.
func (h *Hub) Workers() int {
	return int(h.active.Load())
}

func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		h.sessionsMu.Lock()
		for s := range h.sessions {
			s.close()
		}
		h.sessionsMu.Unlock()
	})
	return nil
}

// ServeHTTP upgrades a worker connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "Intercom closed", http.StatusServiceUnavailable)
		return
	default:
	}

	if h.cfg.MaxConnections > 0 && int(h.active.Load()) >= h.cfg.MaxConnections {
		h.logger.Warn("Max worker connections reached, rejecting new connection", "current", h.active.Load(), "max", h.cfg.MaxConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade worker connection", "error", err)
		return
	}

	s := &hubSession{
		hub:    h,
		conn:   conn,
		worker: r.URL.Query().Get("worker"),
		closed: make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	h.register(s)

	go s.writePump()
	go s.readPump()
}

func (h *Hub) register(s *hubSession) {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	h.sessions[s] = true
	h.active.Add(1)
	h.logger.Info("Worker connected", "worker", s.worker, "remote_addr", s.conn.RemoteAddr().String(), "workers", h.active.Load())
}

func (h *Hub) unregister(s *hubSession) {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	if h.sessions[s] {
		delete(h.sessions, s)
		h.active.Add(-1)
		h.logger.Info("Worker disconnected", "worker", s.worker, "workers", h.active.Load())
	}
}

func (s *hubSession) close() {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// readPump moves results from the connection into the hub. It is the only
// reader of the connection.
func (s *hubSession) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.close()
	}()
	s.conn.SetReadLimit(s.hub.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.hub.logger.Error("Worker read error", "worker", s.worker, "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f frame
		if err := json.Unmarshal(message, &f); err != nil {
			s.hub.logger.Warn("Discarding malformed frame from worker", "worker", s.worker, "error", err)
			continue
		}
		switch f.Type {
		case frameHello:
			if f.Worker != "" {
				s.worker = f.Worker
			}
		case frameReady:
			s.credit.Add(1)
			select {
			case s.wake <- struct{}{}:
			default:
			}
		case frameResult:
			if f.Result == nil {
				continue
			}
			if f.Result.Worker == "" {
				f.Result.Worker = s.worker
			}
			select {
			case s.hub.results <- *f.Result:
			case <-s.hub.done:
				return
			}
		default:
			s.hub.logger.Debug("Ignoring frame from worker", "worker", s.worker, "type", f.Type)
		}
	}
}

// writePump pulls tasks from the shared queue while the worker has credit
// and writes them out, pinging while idle. It is the only writer of the
// connection.
func (s *hubSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		// A nil channel never yields, so a session without credit leaves
		// the shared queue to the others.
		var tasks chan Task
		if s.credit.Load() > 0 {
			tasks = s.hub.tasks
		}
		select {
		case task := <-tasks:
			s.credit.Add(-1)
			message, err := json.Marshal(frame{Type: frameTask, Task: &task})
			if err != nil {
				s.hub.logger.Error("Failed to marshal task", "task_id", task.ID, "error", err)
				s.credit.Add(1)
				continue
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.hub.logger.Error("Task write failed, requeueing", "worker", s.worker, "task_id", task.ID, "error", err)
				s.hub.requeue(task)
				return
			}
			s.hub.handedOff(task.ID)
		case <-s.wake:
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.logger.Debug("Worker ping failed", "worker", s.worker, "error", err)
				return
			}
		case <-s.closed:
			return
		case <-s.hub.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "coordinator shutting down"))
			return
		}
	}
}

// requeue puts a task back without blocking; if the queue is full the
// redispatch timeout takes care of it.
func (h *Hub) requeue(task Task) {
	select {
	case h.tasks <- task:
	default:
		h.logger.Warn("Task queue full, leaving task to redispatch", "task_id", task.ID)
	}
}
