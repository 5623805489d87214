/*
Package metrics provides Prometheus metrics collection and exposition for attrd.

The metrics package defines and registers all attrd metrics using the Prometheus
client library: attribute/value counts, election status, broadcast counters,
CDB write latency and failure counts, and peer/membership gauges. Metrics are
exposed via HTTP endpoint for scraping by Prometheus servers.

	┌─────────────────── METRICS SYSTEM ───────────────────────┐
	│                                                            │
	│  Store:      attributes_total, values_total               │
	│  Dampening:  dampening_timers_active                       │
	│  Election:   is_writer, elections_started_total            │
	│  Broadcast:  broadcasts_sent/received_total, dropped_total  │
	│  Writer:     cdb_writes_in_flight, cdb_updates_total,       │
	│              cdb_write_failures_total, cdb_write_duration   │
	│  Membership: peers_known, evictions_total                  │
	└────────────────────────────────────────────────────────────┘

Call Handler to mount the Prometheus scrape endpoint on an HTTP mux, and use
Timer to record histogram observations around a CDB write or reconciliation
pass.
*/
package metrics
