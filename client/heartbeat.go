package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wispberry-tech/wispy-session/core"
)

// Default polling intervals of an authenticated client.
const (
	CheckSessionInterval   = 60 * time.Second
	UpdateActivityInterval = 5 * time.Minute
)

// ErrHeartbeatRunning is returned by Start when the heartbeat is already running.
var ErrHeartbeatRunning = errors.New("heartbeat already running")

// Task is a callback run every Interval while the client is authenticated.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// DefaultTasks returns the check-session and update-activity polls for c.
func DefaultTasks(c *Client) []Task {
	return []Task{
		{
			Name:     "check-session",
			Interval: CheckSessionInterval,
			Run: func(ctx context.Context) error {
				_, err := c.CheckSession(ctx)
				return err
			},
		},
		{
			Name:     "update-activity",
			Interval: UpdateActivityInterval,
			Run: func(ctx context.Context) error {
				_, err := c.UpdateActivity(ctx)
				return err
			},
		},
	}
}

// Heartbeat runs Tasks on tickers until stopped or until a task reports
// that the session is gone. Every task error is passed to OnError; only
// ErrSessionExpired and ErrInvalidCredentials stop the heartbeat.
type Heartbeat struct {
	tasks   []Task
	onError func(task string, err error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewHeartbeat creates a Heartbeat. onError may be nil.
func NewHeartbeat(tasks []Task, onError func(task string, err error)) *Heartbeat {
	if onError == nil {
		onError = func(task string, err error) {
			slog.Warn("Heartbeat task failed", "task", task, "error", err)
		}
	}
	return &Heartbeat{tasks: tasks, onError: onError}
}

// Start launches every task. The heartbeat stops when ctx is cancelled,
// Stop is called or the session ends.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.done != nil {
		select {
		case <-h.done:
		default:
			return ErrHeartbeatRunning
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range h.tasks {
		g.Go(func() error {
			return h.loop(gctx, task)
		})
	}

	done := make(chan struct{})
	h.cancel = cancel
	h.done = done
	h.err = nil

	go func() {
		err := g.Wait()
		cancel()
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(done)
	}()
	return nil
}

func (h *Heartbeat) loop(ctx context.Context, task Task) error {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			err := task.Run(ctx)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			h.onError(task.Name, err)
			if sessionEnded(err) {
				return err
			}
		}
	}
}

// Stop cancels every task and waits for them to return.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed once the heartbeat has stopped. It is nil before Start.
func (h *Heartbeat) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Err returns the error that ended the session, or nil if the heartbeat
// was stopped or is still running.
func (h *Heartbeat) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func sessionEnded(err error) bool {
	return errors.Is(err, core.ErrSessionExpired) || errors.Is(err, core.ErrInvalidCredentials)
}
