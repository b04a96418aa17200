package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BaSui01/hivemind/internal/pool"
	"github.com/BaSui01/hivemind/types"
)

// WorkerStatus is the availability of a worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Worker is a capability-tagged execution unit ("bee") handling one task at
// a time. Values returned by the dispatcher are copies.
type Worker struct {
	ID            string       `json:"id"`
	Capabilities  []Capability `json:"capabilities"`
	Status        WorkerStatus `json:"status"`
	CurrentTaskID string       `json:"currentTaskId,omitempty"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
	RegisteredAt  time.Time    `json:"registeredAt"`
	// Managed is set when the dispatcher runs tasks through the worker's
	// executor instead of emitting them to an external process.
	Managed   bool  `json:"managed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Can reports whether the worker advertises c.
func (w *Worker) Can(c Capability) bool {
	for _, have := range w.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// TaskError is the error attached to a failed task.
type TaskError struct {
	Code    types.ErrorCode `json:"code"`
	Message string          `json:"message"`
}

// Err converts the task error into a *types.Error.
func (e *TaskError) Err() error {
	if e == nil {
		return nil
	}
	return types.NewError(e.Code, e.Message)
}

// NewTaskError builds a TaskError from err, defaulting to TASK_FAILED.
func NewTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}
	te := types.WrapError(err, types.ErrTaskFailed)
	msg := te.Message
	if te.Cause != nil && te.Cause.Error() != msg {
		msg = te.Error()
	}
	return &TaskError{Code: te.Code, Message: msg}
}

// Task is a unit of work routed to one worker. Values returned by the
// dispatcher are snapshots.
type Task struct {
	ID                string          `json:"id"`
	Capability        Capability      `json:"capability"`
	Payload           json.RawMessage `json:"payload"`
	Priority          types.Priority  `json:"priority"`
	Status            TaskStatus      `json:"status"`
	AssignedWorkerID  string          `json:"assignedWorkerId,omitempty"`
	Result            any             `json:"result,omitempty"`
	Error             *TaskError      `json:"error,omitempty"`
	RequesterID       string          `json:"requesterId,omitempty"`
	PreferredWorkerID string          `json:"preferredWorkerId,omitempty"`
	// HiveID names the peer hive executing the task; empty for local tasks.
	HiveID      string    `json:"hiveId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	AssignedAt  time.Time `json:"assignedAt,omitzero"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
}

// Err returns the task failure as an error, or nil.
func (t *Task) Err() error {
	if t.Status != TaskFailed {
		return nil
	}
	if t.Error == nil {
		return types.NewError(types.ErrTaskFailed, "task failed")
	}
	return t.Error.Err()
}

func (t *Task) clone() Task {
	c := *t
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return c
}

// AssignOptions tunes AssignTask.
type AssignOptions struct {
	// Priority defaults to medium when left unset.
	Priority          types.Priority
	PreferredWorkerID string
	RequesterID       string
	// Timeout overrides the dispatcher default.
	Timeout time.Duration
}

// Executor runs tasks on behalf of a managed worker.
type Executor interface {
	Execute(ctx context.Context, task Task) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) (any, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task Task) (any, error) {
	return f(ctx, task)
}

// FailureSink receives every failed task exactly once.
type FailureSink interface {
	TaskFailed(ctx context.Context, task Task)
}

// FailureSinkFunc adapts a function to FailureSink.
type FailureSinkFunc func(ctx context.Context, task Task)

// TaskFailed implements FailureSink.
func (f FailureSinkFunc) TaskFailed(ctx context.Context, task Task) {
	f(ctx, task)
}

// Stats summarizes dispatcher state.
type Stats struct {
	Workers   map[WorkerStatus]int `json:"workers"`
	Tasks     map[TaskStatus]int   `json:"tasks"`
	Pending   map[Capability]int   `json:"pending"`
	Completed int64                `json:"completed"`
	Failed    int64                `json:"failed"`
	TimedOut  int64                `json:"timedOut"`
	Pool      pool.Stats           `json:"pool"`
}
