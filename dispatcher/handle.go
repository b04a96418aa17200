package dispatcher

import (
	"context"
	"sync"
)

// Handle is the caller's one-shot view of a task. It is resolved exactly once
// with the terminal task; later resolutions are ignored.
type Handle struct {
	taskID string
	done   chan struct{}
	once   sync.Once
	task   Task
}

// NewHandle creates an unresolved handle for taskID. The federation gateway
// uses it to expose remote tasks through the local contract.
func NewHandle(taskID string) *Handle {
	return &Handle{taskID: taskID, done: make(chan struct{})}
}

// TaskID returns the correlated task id.
func (h *Handle) TaskID() string {
	return h.taskID
}

// Resolve records the terminal task. It reports false when the handle was
// already resolved.
func (h *Handle) Resolve(task Task) bool {
	resolved := false
	h.once.Do(func() {
		h.task = task
		close(h.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the handle is resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task is terminal or ctx is done. A failed task is
// not an error here; inspect Task.Status and Task.Err.
func (h *Handle) Wait(ctx context.Context) (Task, error) {
	select {
	case <-h.done:
		return h.task, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Result returns the terminal task if the handle is resolved.
func (h *Handle) Result() (Task, bool) {
	select {
	case <-h.done:
		return h.task, true
	default:
		return Task{}, false
	}
}
