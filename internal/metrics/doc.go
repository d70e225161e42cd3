// Package metrics collects shard execution statistics and exports the
// coordination core's health counters.
//
// # Collector
//
// The [Collector] aggregates per-unit outcomes recorded by shard workers:
//
//	collector := metrics.NewCollector()
//	collector.Start()
//
//	collector.RecordUnit(latency, passed, score, err)
//
//	stats := collector.Stats(elapsed)
//
// [Stats] carries pass/fail counts, the mean score, latency percentiles and the
// unit throughput. Errors are grouped by a friendly type name.
//
// # Counters
//
// Prometheus counters are registered on the default registry:
//   - keyshard_ratelimit_degraded_total: limiter shared-state failures
//   - keyshard_ratelimit_wait_seconds: time spent sleeping in Acquire
//   - keyshard_scheduler_jobs_total: scheduler outcomes per resource
//   - keyshard_store_events_total: store conflicts, recoveries and lock timeouts
//   - keyshard_shards_total: dispatched shard outcomes
//
// # Thread Safety
//
// The Collector is guarded by a mutex and is safe to share across workers.
package metrics
