/*
Package metrics defines and registers the kernel's Prometheus metrics.

Unlike a periodically-polled collector, every metric here is a package
var that pkg/scheduler, pkg/gvt, and pkg/simulation update inline at the
point the event occurs — a rollback increments RollbacksTotal the
instant rollback() runs, rather than waiting for a collection tick to
notice it changed. This matches how hot a PDES dispatch loop is: a
15-second poll would miss most of what these counters are for.

# Metrics

	pdes_gvt                                 gauge     last GVT computed by this rank
	pdes_rollbacks_total{agent_id}           counter   rollback recoveries performed
	pdes_events_committed_total              counter   events reclaimed below GVT
	pdes_events_processed_total{agent_id}    counter   events delivered to a handler
	pdes_antimessages_total                  counter   anti-messages emitted
	pdes_queue_depth{agent_id}                gauge    events live in the priority structure
	pdes_rollback_distance_seconds            histogram straggler-time to restored-LVT distance
	pdes_gvt_round_duration_seconds           histogram wall-clock cost of one GVT round
	pdes_scheduling_latency_seconds           histogram wall-clock cost of one dispatch
	pdes_events_in_flight{color}              gauge    Mattern's outstanding-send counters

Handler returns the promhttp handler cmd/pdessim mounts on
cfg.DashboardAddr alongside the execution-speed telemetry WebSocket
pkg/rchannel serves, so both a human dashboard and a Prometheus scrape
target are reachable from the same listener.

Timer is a small helper around time.Since for recording a histogram
observation without repeating the start/stop boilerplate at every call
site:

	timer := metrics.NewTimer()
	err := s.processBatch(a, batch)
	timer.ObserveDuration(metrics.SchedulingLatency)
*/
package metrics
