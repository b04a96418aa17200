package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/hivemind"
	"github.com/BaSui01/hivemind/api/handlers"
)

// Service is everything the API needs from an orchestrator.
type Service interface {
	handlers.TaskService
	handlers.WorkerService
	handlers.HiveService
	handlers.CircuitService
	handlers.BugService
	handlers.EventSource
	Stats() hivemind.Stats
}

// Options configures NewMux.
type Options struct {
	Version string
	// Readiness probes served on /readyz.
	Checks []handlers.HealthCheck
	// Extra host patterns allowed to open the event stream cross-origin.
	EventOrigins []string
	Logger       *zap.Logger
}

// NewMux registers every route on a fresh ServeMux.
func NewMux(svc Service, opts Options) *http.ServeMux {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	health := handlers.NewHealthHandler(opts.Version, svc.HiveID(), logger)
	for _, c := range opts.Checks {
		health.RegisterCheck(c)
	}
	tasks := handlers.NewTaskHandler(svc, logger)
	workers := handlers.NewWorkerHandler(svc, logger)
	hives := handlers.NewHiveHandler(svc, logger)
	circuits := handlers.NewCircuitHandler(svc, logger)
	bugs := handlers.NewBugHandler(svc, logger)
	events := handlers.NewEventHandler(svc, logger, opts.EventOrigins...)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.HandleHealthz)
	mux.HandleFunc("GET /readyz", health.HandleReadyz)

	mux.HandleFunc("GET /api/v1/stats", func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteSuccess(w, r, http.StatusOK, svc.Stats())
	})
	mux.HandleFunc("GET /api/v1/events", events.HandleStream)

	mux.HandleFunc("POST /api/v1/tasks", tasks.HandleSubmit)
	mux.HandleFunc("GET /api/v1/tasks/{id}", tasks.HandleGet)

	mux.HandleFunc("GET /api/v1/workers", workers.HandleList)
	mux.HandleFunc("POST /api/v1/workers", workers.HandleRegister)
	mux.HandleFunc("GET /api/v1/workers/{id}", workers.HandleGet)
	mux.HandleFunc("DELETE /api/v1/workers/{id}", workers.HandleUnregister)
	mux.HandleFunc("POST /api/v1/workers/{id}/heartbeat", workers.HandleHeartbeat)
	mux.HandleFunc("POST /api/v1/workers/{id}/offline", workers.HandleOffline)
	mux.HandleFunc("POST /api/v1/workers/{id}/tasks/{taskId}/start", workers.HandleStartTask)
	mux.HandleFunc("POST /api/v1/workers/{id}/tasks/{taskId}/complete", workers.HandleCompleteTask)
	mux.HandleFunc("POST /api/v1/workers/{id}/tasks/{taskId}/fail", workers.HandleFailTask)

	mux.HandleFunc("GET /api/v1/hives", hives.HandleList)
	mux.HandleFunc("POST /api/v1/hives/discover", hives.HandleDiscover)

	mux.HandleFunc("GET /api/v1/circuits", circuits.HandleList)
	mux.HandleFunc("POST /api/v1/circuits/{model}/reset", circuits.HandleReset)
	mux.HandleFunc("POST /api/v1/models/{model}/call", circuits.HandleCall)

	mux.HandleFunc("GET /api/v1/bugs", bugs.HandleList)
	mux.HandleFunc("POST /api/v1/bugs", bugs.HandleSubmit)
	mux.HandleFunc("GET /api/v1/bugs/stats", bugs.HandleStats)
	mux.HandleFunc("GET /api/v1/bugs/patterns", bugs.HandlePatterns)
	mux.HandleFunc("GET /api/v1/bugs/{id}", bugs.HandleGet)
	mux.HandleFunc("POST /api/v1/bugs/{id}/fix", bugs.HandleFix)
	mux.HandleFunc("POST /api/v1/bugs/{id}/false-positive", bugs.HandleFalsePositive)

	return mux
}
