/*
Package handlers implements the hivemind operations HTTP API.

# Overview

Each handler wraps a narrow service interface (TaskService, WorkerService,
HiveService, CircuitService, BugService, EventSource) that the
hivemind.Orchestrator satisfies, so handlers are tested against fakes.

# Envelope

Every JSON answer uses Response:

	{"success":true,"data":{...},"timestamp":"...","requestId":"req-..."}
	{"success":false,"error":"task not found","code":"NOT_FOUND","taskId":"...","timestamp":"..."}

WriteError maps types.Error codes to HTTP status codes through
types.Error.Status. Internal errors are reported as "internal error" and
logged with their cause.

# Event stream

EventHandler upgrades GET /api/v1/events to a WebSocket and writes one JSON
EventMessage per dispatcher event. External workers use it to learn about
assignments and report back through the worker task endpoints.
*/
package handlers
