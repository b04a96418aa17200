package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/dispatcher"
	"github.com/BaSui01/hivemind/types"
)

// TaskService submits and looks up tasks.
type TaskService interface {
	AssignTask(ctx context.Context, c dispatcher.Capability, payload any, opts dispatcher.AssignOptions) (*dispatcher.Handle, error)
	Task(id string) (dispatcher.Task, error)
}

// SubmitTaskRequest is the body of POST /api/v1/tasks.
type SubmitTaskRequest struct {
	Capability        string          `json:"capability"`
	Payload           json.RawMessage `json:"payload"`
	Priority          string          `json:"priority,omitempty"`
	PreferredWorkerID string          `json:"preferredWorkerId,omitempty"`
	RequesterID       string          `json:"requesterId,omitempty"`
	TimeoutMs         int64           `json:"timeoutMs,omitempty"`
	// Wait holds the request open until the task is terminal.
	Wait bool `json:"wait,omitempty"`
}

// SubmitTaskResponse acknowledges a task that is still in flight.
type SubmitTaskResponse struct {
	TaskID string                `json:"taskId"`
	Status dispatcher.TaskStatus `json:"status,omitempty"`
}

// TaskHandler serves the task endpoints.
type TaskHandler struct {
	svc    TaskService
	logger *zap.Logger
}

// NewTaskHandler creates a task handler.
func NewTaskHandler(svc TaskService, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{svc: svc, logger: logger.With(zap.String("handler", "tasks"))}
}

// HandleSubmit accepts a task. Without wait it answers 202 at once; with
// wait it answers with the terminal task.
func (h *TaskHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, ErrorRef{}, h.logger)
		return
	}
	if req.Capability == "" {
		WriteError(w, r, types.NewValidationError("capability is required"), ErrorRef{}, h.logger)
		return
	}
	prio, err := types.ParsePriority(req.Priority)
	if err != nil {
		WriteError(w, r, err, ErrorRef{}, h.logger)
		return
	}
	if req.TimeoutMs < 0 {
		WriteError(w, r, types.NewValidationError("timeoutMs must not be negative"), ErrorRef{}, h.logger)
		return
	}

	handle, err := h.svc.AssignTask(r.Context(), dispatcher.Capability(req.Capability), req.Payload, dispatcher.AssignOptions{
		Priority:          prio,
		PreferredWorkerID: req.PreferredWorkerID,
		RequesterID:       req.RequesterID,
		Timeout:           time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		WriteError(w, r, err, ErrorRef{}, h.logger)
		return
	}

	if !req.Wait {
		resp := SubmitTaskResponse{TaskID: handle.TaskID()}
		if t, err := h.svc.Task(handle.TaskID()); err == nil {
			resp.Status = t.Status
		}
		WriteSuccess(w, r, http.StatusAccepted, resp)
		return
	}

	task, err := handle.Wait(r.Context())
	if err != nil {
		WriteError(w, r, types.NewTimeoutError("client stopped waiting").WithCause(err),
			ErrorRef{TaskID: handle.TaskID()}, h.logger)
		return
	}
	if terr := task.Err(); terr != nil {
		WriteError(w, r, terr, ErrorRef{TaskID: task.ID}, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, task)
}

// HandleGet returns a task snapshot.
func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := h.svc.Task(id)
	if err != nil {
		WriteError(w, r, err, ErrorRef{TaskID: id}, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, task)
}
