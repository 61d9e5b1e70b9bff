/*
Package metrics exposes the master daemon's Prometheus instrumentation.

The metric families cover the control plane's moving parts: cluster
inventory gauges sampled from config snapshots, job queue depth and
durations, per-level lock wait histograms, RPC fan-out outcomes, hook
phase results, confd request counters, and the master-election state.

Two usage patterns:

  - Hot paths (lock acquire, RPC call, hook run) update their counters
    and histograms inline, usually through a Timer.
  - Inventory-style gauges are sampled by a Collector on a 15s tick from
    read-only source callbacks, so the sampled components never need to
    know metrics exist.

The package also carries the daemon's health endpoints (/health, /ready,
/live) since they share the same HTTP mux as /metrics.
*/
package metrics
