package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/dispatcher"
	"github.com/BaSui01/hivemind/types"
)

// WorkerService manages workers and the task loop of external workers.
type WorkerService interface {
	RegisterWorker(id string, capabilities []dispatcher.Capability, opts ...dispatcher.WorkerOption) (dispatcher.Worker, error)
	UnregisterWorker(id string) error
	Heartbeat(id string) error
	SetOffline(id string) error
	Worker(id string) (dispatcher.Worker, error)
	Workers() []dispatcher.Worker
	StartTask(workerID, taskID string) error
	CompleteTask(workerID, taskID string, result any) error
	FailTask(workerID, taskID string, cause error) error
}

// RegisterWorkerRequest is the body of POST /api/v1/workers.
type RegisterWorkerRequest struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
}

// CompleteTaskRequest is the body of the complete endpoint.
type CompleteTaskRequest struct {
	Result any `json:"result"`
}

// FailTaskRequest is the body of the fail endpoint. Code defaults to
// TASK_FAILED.
type FailTaskRequest struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// WorkerHandler serves the worker endpoints. Workers registered here are
// external: they learn about assignments from the event stream and report
// back through the task endpoints.
type WorkerHandler struct {
	svc    WorkerService
	logger *zap.Logger
}

// NewWorkerHandler creates a worker handler.
func NewWorkerHandler(svc WorkerService, logger *zap.Logger) *WorkerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkerHandler{svc: svc, logger: logger.With(zap.String("handler", "workers"))}
}

func (h *WorkerHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, http.StatusOK, h.svc.Workers())
}

func (h *WorkerHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	wk, err := h.svc.Worker(r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, ErrorRef{}, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, wk)
}

func (h *WorkerHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterWorkerRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, ErrorRef{}, h.logger)
		return
	}
	caps := make([]dispatcher.Capability, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps = append(caps, dispatcher.Capability(strings.ToLower(strings.TrimSpace(c))))
	}
	wk, err := h.svc.RegisterWorker(req.ID, caps)
	if err != nil {
		WriteError(w, r, err, ErrorRef{}, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusCreated, wk)
}

func (h *WorkerHandler) HandleUnregister(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.UnregisterWorker(r.PathValue("id")); err != nil {
		WriteError(w, r, err, ErrorRef{}, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *WorkerHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Heartbeat)
}

func (h *WorkerHandler) HandleOffline(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.SetOffline)
}

func (h *WorkerHandler) transition(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	id := r.PathValue("id")
	if err := fn(id); err != nil {
		WriteError(w, r, err, ErrorRef{}, h.logger)
		return
	}
	wk, err := h.svc.Worker(id)
	if err != nil {
		WriteError(w, r, err, ErrorRef{}, h.logger)
		return
	}
	WriteSuccess(w, r, http.StatusOK, wk)
}

// HandleStartTask marks an assigned task running.
func (h *WorkerHandler) HandleStartTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	if err := h.svc.StartTask(r.PathValue("id"), taskID); err != nil {
		WriteError(w, r, err, ErrorRef{TaskID: taskID}, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleCompleteTask records the worker's result.
func (h *WorkerHandler) HandleCompleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	var req CompleteTaskRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, ErrorRef{TaskID: taskID}, h.logger)
		return
	}
	if err := h.svc.CompleteTask(r.PathValue("id"), taskID, req.Result); err != nil {
		WriteError(w, r, err, ErrorRef{TaskID: taskID}, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleFailTask records the worker's failure.
func (h *WorkerHandler) HandleFailTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("taskId")
	var req FailTaskRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, ErrorRef{TaskID: taskID}, h.logger)
		return
	}
	code := types.ErrTaskFailed
	if req.Code != "" {
		code = types.ErrorCode(strings.ToUpper(req.Code))
	}
	msg := req.Message
	if msg == "" {
		msg = "task failed"
	}
	if err := h.svc.FailTask(r.PathValue("id"), taskID, types.NewError(code, msg)); err != nil {
		WriteError(w, r, err, ErrorRef{TaskID: taskID}, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
