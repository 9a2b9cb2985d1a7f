package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Task runs until it finishes or ctx is done. Returning because ctx is done
// is a normal exit and should return nil.
type Task func(ctx context.Context) error

// FaultError is a panic recovered from a task.
type FaultError struct {
	Group string
	Task  string
	Value any
	Stack []byte
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("task %s/%s panicked: %v", e.Group, e.Task, e.Value)
}

// Group is a set of tasks sharing one cancellation handle. Stop cancels the
// context every task in the group receives; it may be called any number of
// times.
type Group struct {
	name    string
	ctx     context.Context
	cancel  context.CancelFunc
	eg      *errgroup.Group
	logger  *slog.Logger
	running atomic.Int64 // for logging
}

func newGroup(name string, logger *slog.Logger) *Group {
	ctx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(ctx)
	return &Group{
		name:   name,
		ctx:    egCtx,
		cancel: cancel,
		eg:     eg,
		logger: logger.With("group", name),
	}
}

// Go starts task in the group. A panic inside task is recovered into a
// *FaultError, which cancels the rest of the group.
func (g *Group) Go(name string, task Task) {
	g.running.Add(1)
	g.eg.Go(func() (err error) {
		defer g.running.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("recovered panic", "task", name, "error", r)
				err = &FaultError{Group: g.name, Task: name, Value: r, Stack: debug.Stack()}
			}
		}()

		g.logger.Debug("task started", "task", name)
		err = task(g.ctx)
		if err != nil {
			g.logger.Error("task failed", "task", name, "error", err)
		} else {
			g.logger.Debug("task stopped", "task", name)
		}
		return err
	})
}

// Stop fires the group's cancellation handle.
func (g *Group) Stop() {
	g.cancel()
}

// Context is the context handed to the group's tasks.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Wait blocks until every task of the group has returned.
func (g *Group) Wait() error {
	err := g.eg.Wait()
	g.cancel()
	return err
}

func (g *Group) Name() string {
	return g.name
}

// Running is the number of tasks that have not returned yet.
func (g *Group) Running() int64 {
	return g.running.Load()
}

// Supervisor owns every group of the process and aggregates their
// outcomes.
type Supervisor struct {
	mu     sync.Mutex
	groups []*Group
	logger *slog.Logger
}

func NewSupervisor(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{logger: logger}
}

// NewGroup creates and registers a group.
func (s *Supervisor) NewGroup(name string) *Group {
	g := newGroup(name, s.logger)
	s.mu.Lock()
	s.groups = append(s.groups, g)
	s.mu.Unlock()
	return g
}

// Groups returns the registered groups in creation order.
func (s *Supervisor) Groups() []*Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Group(nil), s.groups...)
}

// StopAll fires every group's cancellation handle.
func (s *Supervisor) StopAll() {
	for _, g := range s.Groups() {
		g.Stop()
	}
}

// Wait blocks until every registered group has finished. The first group
// that fails makes the supervisor stop all other groups, so a fault
// anywhere ends the process. Errors from all groups are joined.
func (s *Supervisor) Wait() error {
	groups := s.Groups()
	errs := make([]error, len(groups))

	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Wait()
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			errs[i] = err
			s.logger.Error("group failed, stopping all groups", "group", g.Name(), "error", err)
			s.StopAll()
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
