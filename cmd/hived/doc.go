/*
Package main is the hived server binary.

hived hosts one hivemind.Orchestrator and exposes it over two listeners: the
operations API (tasks, workers, hives, circuits, bugs and the event stream)
and a Prometheus /metrics endpoint.

Subcommands:

	hived serve [--config hived.yaml]
	hived health [--addr http://localhost:8080]
	hived version

Configuration comes from the YAML file plus HIVEMIND_* environment
variables (see package config). With --config the file is watched while
serving; a changed log.level applies immediately, other changes on the next
restart. SIGINT or SIGTERM starts a graceful
shutdown: both listeners drain, then the orchestrator closes its
components and releases Redis and the database.
*/
package main
