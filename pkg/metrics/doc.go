/*
Package metrics exposes the process's Prometheus gauges, counters, and
histograms (cellmesh_chain_height, cellmesh_pending_operations_total,
cellmesh_is_leader, cellmesh_is_proposer, cellmesh_query_duration_seconds,
and friends — see metrics.go for the full set and help text) plus a
Collector that samples engine-owned state into them on a fixed tick,
and a small RegisterComponent/GetHealth/GetReadiness facility used by
the HTTP health handlers cmd/cellmeshd mounts alongside the scrape
endpoint.

A component registers itself once at startup and flips its own state
as conditions change:

	metrics.RegisterComponent("chain_store", true, "")
	...
	metrics.UpdateComponent("chain_store", false, "segment corrupted")

GetReadiness treats chain_store, commit_manager, and query_server as
required; any one of them missing or unhealthy reports "not_ready".

Handler returns promhttp's scrape handler; Timer is a small helper for
recording histogram observations around a call:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CommitTickDuration)
*/
package metrics
