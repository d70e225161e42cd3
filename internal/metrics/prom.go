package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "keyshard"

// Store event labels.
const (
	StoreEventConflict    = "conflict"
	StoreEventRecovery    = "recovery"
	StoreEventLockTimeout = "lock_timeout"
	StoreEventBackup      = "backup"
)

var (
	RateLimitDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "ratelimit",
		Name:      "degraded_total",
		Help:      "Count of shared limiter state operations that failed and fell back to local throttling",
	}, []string{
		"resource",
		"op",
	})

	RateLimitWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "ratelimit",
		Name:      "wait_seconds",
		Help:      "Time spent waiting in Acquire",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{
		"resource",
	})

	SchedulerJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "scheduler",
		Name:      "jobs_total",
		Help:      "Count of scheduler jobs by resource and result",
	}, []string{
		"resource",
		"result",
	})

	StoreEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "store",
		Name:      "events_total",
		Help:      "Count of aggregate store conflicts, recoveries, backups and lock timeouts",
	}, []string{
		"event",
	})

	ShardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "shards_total",
		Help:      "Count of dispatched shards by final status",
	}, []string{
		"status",
	})
)

func RecordDegraded(resource, op string) {
	RateLimitDegraded.WithLabelValues(resource, op).Inc()
}

func RecordWait(resource string, wait time.Duration) {
	RateLimitWait.WithLabelValues(resource).Observe(wait.Seconds())
}

func RecordSchedulerJob(resource string, failed bool) {
	result := "ok"
	if failed {
		result = "failed"
	}
	SchedulerJobs.WithLabelValues(resource, result).Inc()
}

func RecordStoreEvent(event string) {
	StoreEvents.WithLabelValues(event).Inc()
}

func RecordShard(status string) {
	ShardsTotal.WithLabelValues(status).Inc()
}
