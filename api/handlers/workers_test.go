package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/dispatcher"
	"github.com/BaSui01/hivemind/types"
)

type fakeWorkers struct {
	workers  map[string]dispatcher.Worker
	started  []string
	results  map[string]any
	failures map[string]error
}

func newFakeWorkers() *fakeWorkers {
	return &fakeWorkers{
		workers:  make(map[string]dispatcher.Worker),
		results:  make(map[string]any),
		failures: make(map[string]error),
	}
}

func (f *fakeWorkers) RegisterWorker(id string, caps []dispatcher.Capability, _ ...dispatcher.WorkerOption) (dispatcher.Worker, error) {
	if id == "" {
		return dispatcher.Worker{}, types.NewValidationError("worker id is required")
	}
	if _, ok := f.workers[id]; ok {
		return dispatcher.Worker{}, types.NewValidationError("worker %s already registered", id)
	}
	w := dispatcher.Worker{ID: id, Capabilities: caps, Status: dispatcher.WorkerIdle}
	f.workers[id] = w
	return w, nil
}

func (f *fakeWorkers) UnregisterWorker(id string) error {
	if _, ok := f.workers[id]; !ok {
		return types.NewNotFoundError("worker", id)
	}
	delete(f.workers, id)
	return nil
}

func (f *fakeWorkers) setStatus(id string, s dispatcher.WorkerStatus) error {
	w, ok := f.workers[id]
	if !ok {
		return types.NewNotFoundError("worker", id)
	}
	w.Status = s
	f.workers[id] = w
	return nil
}

func (f *fakeWorkers) Heartbeat(id string) error  { return f.setStatus(id, dispatcher.WorkerIdle) }
func (f *fakeWorkers) SetOffline(id string) error { return f.setStatus(id, dispatcher.WorkerOffline) }

func (f *fakeWorkers) Worker(id string) (dispatcher.Worker, error) {
	w, ok := f.workers[id]
	if !ok {
		return dispatcher.Worker{}, types.NewNotFoundError("worker", id)
	}
	return w, nil
}

func (f *fakeWorkers) Workers() []dispatcher.Worker {
	out := make([]dispatcher.Worker, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, w)
	}
	return out
}

func (f *fakeWorkers) StartTask(workerID, taskID string) error {
	if taskID == "stale" {
		return types.NewError(types.ErrInvalidTransition, "task is not assigned")
	}
	f.started = append(f.started, workerID+"/"+taskID)
	return nil
}

func (f *fakeWorkers) CompleteTask(_, taskID string, result any) error {
	f.results[taskID] = result
	return nil
}

func (f *fakeWorkers) FailTask(_, taskID string, cause error) error {
	f.failures[taskID] = cause
	return nil
}

func workerMux(svc WorkerService) *http.ServeMux {
	h := NewWorkerHandler(svc, zap.NewNop())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /workers", h.HandleList)
	mux.HandleFunc("POST /workers", h.HandleRegister)
	mux.HandleFunc("GET /workers/{id}", h.HandleGet)
	mux.HandleFunc("DELETE /workers/{id}", h.HandleUnregister)
	mux.HandleFunc("POST /workers/{id}/heartbeat", h.HandleHeartbeat)
	mux.HandleFunc("POST /workers/{id}/offline", h.HandleOffline)
	mux.HandleFunc("POST /workers/{id}/tasks/{taskId}/start", h.HandleStartTask)
	mux.HandleFunc("POST /workers/{id}/tasks/{taskId}/complete", h.HandleCompleteTask)
	mux.HandleFunc("POST /workers/{id}/tasks/{taskId}/fail", h.HandleFailTask)
	return mux
}

func do(mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	mux.ServeHTTP(w, r)
	return w
}

func TestWorkerHandler_Lifecycle(t *testing.T) {
	svc := newFakeWorkers()
	mux := workerMux(svc)

	w := do(mux, http.MethodPost, "/workers", `{"id":"w1","capabilities":[" Chat ","translation"]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []dispatcher.Capability{"chat", "translation"}, svc.workers["w1"].Capabilities)

	w = do(mux, http.MethodPost, "/workers", `{"id":"w1","capabilities":["chat"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(mux, http.MethodPost, "/workers/w1/offline", "")
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeResponse(t, w).Data.(map[string]any)
	assert.Equal(t, string(dispatcher.WorkerOffline), data["status"])

	w = do(mux, http.MethodPost, "/workers/w1/heartbeat", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dispatcher.WorkerIdle, svc.workers["w1"].Status)

	w = do(mux, http.MethodGet, "/workers", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeResponse(t, w).Data, 1)

	w = do(mux, http.MethodDelete, "/workers/w1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(mux, http.MethodGet, "/workers/w1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkerHandler_TaskReports(t *testing.T) {
	svc := newFakeWorkers()
	mux := workerMux(svc)

	w := do(mux, http.MethodPost, "/workers/w1/tasks/t1/start", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"w1/t1"}, svc.started)

	w = do(mux, http.MethodPost, "/workers/w1/tasks/stale/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "stale", decodeResponse(t, w).TaskID)

	w = do(mux, http.MethodPost, "/workers/w1/tasks/t1/complete", `{"result":{"text":"hola"}}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, map[string]any{"text": "hola"}, svc.results["t1"])

	w = do(mux, http.MethodPost, "/workers/w1/tasks/t2/fail", `{"code":"timeout","message":"model hung"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, types.IsCode(svc.failures["t2"], types.ErrTimeout))

	w = do(mux, http.MethodPost, "/workers/w1/tasks/t3/fail", `{}`)
	assert.Equal(t, http.StatusNoContent, w.Code)
	var apiErr *types.Error
	require.True(t, errors.As(svc.failures["t3"], &apiErr))
	assert.Equal(t, types.ErrTaskFailed, apiErr.Code)
	assert.Equal(t, "task failed", apiErr.Message)
}
