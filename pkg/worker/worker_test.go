package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGroupStopUnblocksTasks(t *testing.T) {
	sup := NewSupervisor(discardLogger())
	g := sup.NewGroup("publishers")

	for _, name := range []string{"a", "b"} {
		g.Go(name, func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		})
	}

	g.Stop()

	done := make(chan error, 1)
	go func() { done <- sup.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not return after Stop")
	}
	if n := g.Running(); n != 0 {
		t.Errorf("Running() = %d, want 0", n)
	}
}

func TestGroupStopIsIdempotent(t *testing.T) {
	sup := NewSupervisor(discardLogger())
	g := sup.NewGroup("g")

	stops := 0
	g.Go("task", func(ctx context.Context) error {
		<-ctx.Done()
		stops++
		return nil
	})

	g.Stop()
	g.Stop()
	if err := g.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	g.Stop()
	if stops != 1 {
		t.Errorf("task observed %d stops, want 1", stops)
	}
}

func TestGroupsAreIndependent(t *testing.T) {
	sup := NewSupervisor(discardLogger())
	a := sup.NewGroup("a")
	b := sup.NewGroup("b")

	a.Go("task", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	b.Go("task", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	a.Stop()
	if err := a.Wait(); err != nil {
		t.Fatalf("a.Wait() error = %v", err)
	}
	if err := b.Context().Err(); err != nil {
		t.Fatalf("stopping a cancelled b: %v", err)
	}
	b.Stop()
	if err := b.Wait(); err != nil {
		t.Fatalf("b.Wait() error = %v", err)
	}
}

func TestPanicBecomesFaultAndStopsEverything(t *testing.T) {
	sup := NewSupervisor(discardLogger())
	faulty := sup.NewGroup("faulty")
	other := sup.NewGroup("other")

	other.Go("waiter", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	faulty.Go("boom", func(ctx context.Context) error {
		panic("boom")
	})

	done := make(chan error, 1)
	go func() { done <- sup.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after fault")
	}

	var fault *FaultError
	if !errors.As(err, &fault) {
		t.Fatalf("Wait() error = %v, want *FaultError", err)
	}
	if fault.Group != "faulty" || fault.Task != "boom" {
		t.Errorf("fault = %s/%s, want faulty/boom", fault.Group, fault.Task)
	}
	if len(fault.Stack) == 0 {
		t.Error("fault has no stack")
	}
}

func TestCanceledErrorIsClean(t *testing.T) {
	sup := NewSupervisor(discardLogger())
	g := sup.NewGroup("g")
	g.Go("task", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	sup.StopAll()
	if err := sup.Wait(); err != nil {
		t.Fatalf("Wait() error = %v, want nil", err)
	}
}
