// Package schedule runs cancellable periodic tasks.
//
// A Task owns one goroutine. Stop cancels it without waiting, so a tick may
// stop its own task; Wait blocks until the goroutine has returned.
package schedule

import (
	"context"
	"sync"
	"time"
)

// TickFunc is called on every tick. Returning true ends the task.
type TickFunc func(ctx context.Context) (stop bool)

// Task is a handle to a periodic job.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Every calls fn every interval until fn returns true, Stop is called or
// parent is done. The first call happens one interval after Every returns.
// The ctx passed to fn is cancelled when the task stops.
func Every(parent context.Context, interval time.Duration, fn TickFunc) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		defer cancel()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if fn(ctx) {
					return
				}
			}
		}
	}()
	return t
}

// Stop cancels the task. It does not wait for a running tick to finish and
// is safe to call more than once, including from inside the tick.
func (t *Task) Stop() {
	t.once.Do(t.cancel)
}

// Wait blocks until the task goroutine has exited.
func (t *Task) Wait() {
	<-t.done
}

// Done is closed once the task goroutine has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Running reports whether the task goroutine is still alive.
func (t *Task) Running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// StopAndWait stops the task and waits for it, or for ctx to end.
func (t *Task) StopAndWait(ctx context.Context) error {
	t.Stop()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
