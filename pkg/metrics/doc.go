/*
Package metrics defines and registers the coordination runtime's Prometheus
metrics: work-item and agent gauges, PCS contention/latency, reactor step
and compensation counters, telemetry queue depth and drop counts, and
optimization-cycle counters. All metrics are registered against the default
Prometheus registry at package init and exposed via Handler() for scraping.
*/
package metrics
