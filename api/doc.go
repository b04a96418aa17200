// Package api mounts the hivemind handlers on an http.ServeMux.
//
// Routes:
//
//	GET    /healthz
//	GET    /readyz
//	GET    /api/v1/stats
//	GET    /api/v1/events                          (WebSocket)
//	POST   /api/v1/tasks
//	GET    /api/v1/tasks/{id}
//	GET    /api/v1/workers
//	POST   /api/v1/workers
//	GET    /api/v1/workers/{id}
//	DELETE /api/v1/workers/{id}
//	POST   /api/v1/workers/{id}/heartbeat
//	POST   /api/v1/workers/{id}/offline
//	POST   /api/v1/workers/{id}/tasks/{taskId}/start
//	POST   /api/v1/workers/{id}/tasks/{taskId}/complete
//	POST   /api/v1/workers/{id}/tasks/{taskId}/fail
//	GET    /api/v1/hives
//	POST   /api/v1/hives/discover
//	GET    /api/v1/circuits
//	POST   /api/v1/circuits/{model}/reset
//	POST   /api/v1/models/{model}/call
//	GET    /api/v1/bugs
//	POST   /api/v1/bugs
//	GET    /api/v1/bugs/stats
//	GET    /api/v1/bugs/patterns
//	GET    /api/v1/bugs/{id}
//	POST   /api/v1/bugs/{id}/fix
//	POST   /api/v1/bugs/{id}/false-positive
//
// Authentication is left to the deployment (a gateway or mesh in front of
// hived).
package api
