/*
Package metrics exposes hivemind metrics through Prometheus.

Collector owns a private registry, so several collectors can live in one
process (tests create one per case). Metrics are grouped by area:

  - HTTP: request count and latency of the ops API.
  - Tasks: terminal tasks by capability and status, forwarded tasks per hive,
    worker, pending queue and hive gauges.
  - Bus and federation: cumulative counters read at scrape time through
    CounterFunc and GaugeFunc.
  - Models: CallModel outcomes and circuit state per model.
  - Bugs: pattern miner events and pattern count.

Handler serves the registry over HTTP; WriteText renders the same text
exposition (# HELP, # TYPE, samples) to any writer.
*/
package metrics
