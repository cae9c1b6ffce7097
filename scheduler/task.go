package scheduler

import (
	"sync"

	"go.uber.org/atomic"
)

// Task is a handle to a scheduled task. Cancelling a task is best-effort: a task that is already
// executing on a host goroutine finishes its current run.
type Task struct {
	cancelled atomic.Bool
	done      atomic.Bool
	periodic  bool

	mu     sync.Mutex
	cancel func()
}

// newTask returns a Task with no native cancel hook attached yet.
func newTask(periodic bool) *Task {
	return &Task{periodic: periodic}
}

// cancelledTask returns a Task that is already cancelled, used for tasks scheduled after Close.
func cancelledTask() *Task {
	t := &Task{}
	t.cancelled.Store(true)
	return t
}

// attach sets the native hook called when the task is cancelled. If the task was cancelled before
// the hook was attached, the hook is called immediately.
func (t *Task) attach(cancel func()) {
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	if t.cancelled.Load() {
		t.detach()()
	}
}

// detach removes and returns the native cancel hook.
func (t *Task) detach() func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.cancel
	t.cancel = nil
	if c == nil {
		return func() {}
	}
	return c
}

// Cancel cancels the task. It returns true if this call cancelled it, and false if the task was
// already cancelled or has completed.
func (t *Task) Cancel() bool {
	if t.done.Load() || !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	t.detach()()
	return true
}

// Cancelled returns true if the task was cancelled before completing.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// Done returns true if a one-shot task has run to completion.
func (t *Task) Done() bool {
	return t.done.Load()
}

// Periodic returns true if the task repeats until cancelled.
func (t *Task) Periodic() bool {
	return t.periodic
}

// run executes f unless the task was cancelled, and marks one-shot tasks done afterwards.
func (t *Task) run(f func()) {
	if t.cancelled.Load() {
		return
	}
	f()
	if !t.periodic {
		t.done.Store(true)
		t.detach()
	}
}

// expire marks the task cancelled without calling its native hook. Schedulers use it when they drop
// their own bookkeeping in bulk.
func (t *Task) expire() {
	if t.done.Load() {
		return
	}
	t.cancelled.Store(true)
	t.detach()
}
