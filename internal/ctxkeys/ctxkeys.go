// Package ctxkeys holds the typed context keys shared across hivemind
// packages.
package ctxkeys

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	taskIDKey    contextKey = "task_id"
	workerIDKey  contextKey = "worker_id"
)

// WithRequestID stores the HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the HTTP request id.
func RequestID(ctx context.Context) (string, bool) {
	return get(ctx, requestIDKey)
}

// WithTaskID stores the id of the task an executor is running.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// TaskID returns the id of the running task.
func TaskID(ctx context.Context) (string, bool) {
	return get(ctx, taskIDKey)
}

// WithWorkerID stores the id of the executing worker.
func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerIDKey, id)
}

// WorkerID returns the id of the executing worker.
func WorkerID(ctx context.Context) (string, bool) {
	return get(ctx, workerIDKey)
}

func get(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
