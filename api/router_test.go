package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/hivemind"
	"github.com/BaSui01/hivemind/api/handlers"
	"github.com/BaSui01/hivemind/config"
	"github.com/BaSui01/hivemind/models"
)

func echoModel(_ context.Context, model string, args ...any) (any, error) {
	p, err := models.PromptFrom(args)
	if err != nil {
		return nil, err
	}
	return model + ": " + p.User, nil
}

func newServer(t *testing.T) (*httptest.Server, *hivemind.Orchestrator) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Hive.ID = "hive-api"
	cfg.Dispatcher.TaskTimeout = 2 * time.Second

	o, err := hivemind.New(cfg, hivemind.WithLogger(zap.NewNop()), hivemind.WithModelFunc(echoModel))
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))

	srv := httptest.NewServer(NewMux(o, Options{
		Version: "test",
		Checks:  []handlers.HealthCheck{handlers.CheckFunc{CheckName: "orchestrator", Fn: o.Ready}},
	}))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = o.Close(ctx)
	})
	return srv, o
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	TaskID  string          `json:"taskId"`
}

func call(t *testing.T, srv *httptest.Server, method, path, body string) (int, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp.StatusCode, env
}

func TestRouter_Health(t *testing.T) {
	srv, _ := newServer(t)

	status, _ := call(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = call(t, srv, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, status)
}

func TestRouter_ExternalWorkerRoundTrip(t *testing.T) {
	srv, o := newServer(t)

	status, _ := call(t, srv, http.MethodPost, "/api/v1/workers", `{"id":"ext-1","capabilities":["analysis"]}`)
	require.Equal(t, http.StatusCreated, status)

	status, env := call(t, srv, http.MethodPost, "/api/v1/tasks",
		`{"capability":"analysis","payload":{"subject":"sales","data":[1,2,3],"question":"trend?"}}`)
	require.Equal(t, http.StatusAccepted, status)
	var accepted handlers.SubmitTaskResponse
	require.NoError(t, json.Unmarshal(env.Data, &accepted))
	require.NotEmpty(t, accepted.TaskID)

	require.Eventually(t, func() bool {
		task, err := o.Task(accepted.TaskID)
		return err == nil && task.AssignedWorkerID == "ext-1"
	}, 2*time.Second, 10*time.Millisecond)

	base := "/api/v1/workers/ext-1/tasks/" + accepted.TaskID
	status, _ = call(t, srv, http.MethodPost, base+"/start", "")
	require.Equal(t, http.StatusNoContent, status)
	status, _ = call(t, srv, http.MethodPost, base+"/complete", `{"result":"rising"}`)
	require.Equal(t, http.StatusNoContent, status)

	status, env = call(t, srv, http.MethodGet, "/api/v1/tasks/"+accepted.TaskID, "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"status":"completed"`)
	assert.Contains(t, string(env.Data), `"result":"rising"`)

	status, _ = call(t, srv, http.MethodDelete, "/api/v1/workers/ext-1", "")
	assert.Equal(t, http.StatusNoContent, status)
}

func TestRouter_ModelCallAndCircuits(t *testing.T) {
	srv, _ := newServer(t)

	status, env := call(t, srv, http.MethodPost, "/api/v1/models/claude/call", `{"prompt":"hello"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"value":"claude: hello"`)

	status, env = call(t, srv, http.MethodGet, "/api/v1/circuits", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(env.Data), `"model":"claude"`)
}

func TestRouter_BugsAndStats(t *testing.T) {
	srv, _ := newServer(t)

	status, _ := call(t, srv, http.MethodPost, "/api/v1/bugs",
		`{"title":"timeout","description":"worker w-17 timed out after 30s","severity":"high"}`)
	require.Equal(t, http.StatusCreated, status)
	status, _ = call(t, srv, http.MethodPost, "/api/v1/bugs",
		`{"title":"timeout","description":"worker w-3 timed out after 45s","severity":"high"}`)
	require.Equal(t, http.StatusCreated, status)

	status, env := call(t, srv, http.MethodGet, "/api/v1/bugs/patterns", "")
	require.Equal(t, http.StatusOK, status)
	var patterns []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &patterns))
	require.Len(t, patterns, 1)

	status, env = call(t, srv, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, status)
	var stats hivemind.Stats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, "hive-api", stats.HiveID)
	assert.Equal(t, 2, stats.Bugs.Total)

	status, env = call(t, srv, http.MethodGet, "/api/v1/bugs/missing", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", env.Code)
}

func TestRouter_HivesStandalone(t *testing.T) {
	srv, _ := newServer(t)

	status, env := call(t, srv, http.MethodGet, "/api/v1/hives", "")
	require.Equal(t, http.StatusOK, status)
	var list handlers.HiveList
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, "hive-api", list.HiveID)
	assert.Empty(t, list.Hives)
}
