/*
Package metrics provides Prometheus metrics collection and exposition for
the broker.

Metrics fall into three groups: module-lifecycle gauges (running,
finalizing, and exited counts), routing counters and histograms (requests
routed by outcome, response drops, route latency), and event-pipeline
metrics (sequence number, publish/distribute counts, publisher
backpressure rejections). All metrics are registered at package init via
prometheus.MustRegister and exposed through Handler() for an HTTP
/metrics endpoint.

A Collector polls the broker's long-lived components — the module host,
service switch, and subscription registry — on a fixed interval to keep
gauge values current. Counters and histograms are instead updated inline,
at the call site in router, events, and broker, since they record
discrete occurrences rather than point-in-time state.

This package also exposes a small health-check registry (HealthHandler,
ReadyHandler, LivenessHandler) independent of Prometheus, for process
supervisors that want a single JSON endpoint rather than a metrics
scrape.
*/
package metrics
