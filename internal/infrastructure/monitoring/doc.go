/*
Package monitoring provides Prometheus metrics for runtrace.

# Overview

Collectors cover the three moving parts of the client: the ingest queue
(admission, queue bytes, batch outcomes and latency), the retrying caller
(attempts and retries) and the evaluation scheduler (tasks in flight per
stage). The fake backend also records the requests it serves.

All collectors are registered against a caller-supplied registerer, so tests
and embedded clients can each own an isolated registry. A nil *Metrics is a
valid no-op.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	client, err := ingest.New(cfg, transport, ingest.WithMetrics(metrics))

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring
