/*
Package metrics provides Prometheus metrics and health/readiness endpoints
for the controller and worker binaries.

Metrics are package-level prometheus.Collector values registered at init
and exposed via Handler() for promhttp scraping. Collector polls the
controller's worker registry on a fixed interval to keep registry-size
gauges (crank_workers_total, crank_capabilities_total,
crank_tombstones_total) current; the dispatch counters and latency
histogram are updated inline by pkg/controller, and the certificate
issuance, revocation and CSR-failure counters by pkg/ca, as those events
happen. The heartbeat, certificate-rotation and mesh-snapshot counters
are registered but no package updates them.

	metrics.RegisterComponent("storage", true, "")
	metrics.RegisterComponent("ca", true, "")
	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/health/live", metrics.LivenessHandler())
	http.HandleFunc("/health/ready", metrics.ReadyHandler())

HealthChecker tracks named components. ReadyHandler and GetReadiness
report "not_ready" unless storage, ca and registry are all registered and
currently healthy; ReadyHandlerFor and GetReadinessFor check a
caller-supplied list instead (the worker uses certificate and
registration).
*/
package metrics
