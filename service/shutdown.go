package service

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Stopper is a cancellation handle.
type Stopper interface {
	Stop()
}

// Coordinator turns the first stop request into a session teardown
// request followed by firing every registered handle. It does not wait
// for the tasks to return.
type Coordinator struct {
	teardown func()
	logger   *slog.Logger

	mu      sync.Mutex
	handles []Stopper

	once  sync.Once
	fired chan struct{}

	notify     func(c chan<- os.Signal, sig ...os.Signal)
	stopNotify func(c chan<- os.Signal)
}

// NewCoordinator returns a coordinator that calls teardown and then stops
// handles on Trigger. teardown may be nil.
func NewCoordinator(logger *slog.Logger, teardown func(), handles ...Stopper) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		teardown:   teardown,
		logger:     logger,
		handles:    handles,
		fired:      make(chan struct{}),
		notify:     signal.Notify,
		stopNotify: signal.Stop,
	}
}

// Add registers more handles. Handles added after Trigger are stopped
// immediately.
func (c *Coordinator) Add(handles ...Stopper) {
	c.mu.Lock()
	c.handles = append(c.handles, handles...)
	c.mu.Unlock()

	select {
	case <-c.fired:
		for _, h := range handles {
			h.Stop()
		}
	default:
	}
}

// Trigger runs the shutdown sequence once; later calls do nothing.
func (c *Coordinator) Trigger() {
	c.once.Do(func() {
		c.logger.Info("shutdown requested")
		if c.teardown != nil {
			c.teardown()
		}

		c.mu.Lock()
		handles := append([]Stopper(nil), c.handles...)
		close(c.fired)
		c.mu.Unlock()

		for _, h := range handles {
			h.Stop()
		}
	})
}

// Fired is closed once Trigger has run.
func (c *Coordinator) Fired() <-chan struct{} {
	return c.fired
}

// Listen waits for the first of sigs (SIGINT and SIGTERM when empty) and
// triggers the shutdown. It also returns when ctx is done or Trigger was
// called by someone else.
func (c *Coordinator) Listen(ctx context.Context, sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	c.notify(ch, sigs...)
	defer c.stopNotify(ch)

	select {
	case sig := <-ch:
		c.logger.Info("signal received", "signal", sig.String())
		c.Trigger()
	case <-c.fired:
	case <-ctx.Done():
	}
}
