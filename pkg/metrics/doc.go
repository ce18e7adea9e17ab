/*
Package metrics provides Prometheus instrumentation for Strata.

Collectors are declared at package level and registered in init, the
same way every component uses them:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TierWorkerDuration)
	metrics.TierTransitionsTotal.WithLabelValues("hot", "warm").Inc()

The exported set covers query latency and cache effectiveness, WAL and
object-store traffic, circuit breaker state, DLQ occupancy, tier
transitions, and bootstrap replay counts.
*/
package metrics
