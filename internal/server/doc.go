// Package server runs an http.Server with a non-blocking start and a
// graceful, idempotent shutdown. hived runs two of them: the ops API and
// the metrics listener.
package server
