package sql

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nostrsync/go-nostrsync/metrics"
)

const subsystem = "database"

// queryDuration in nanoseconds.
var queryDuration = metrics.NewHistogramWithBuckets(
	"query_duration",
	subsystem,
	"Duration of the query in nanoseconds",
	[]string{"query"},
	prometheus.ExponentialBuckets(100_000, 2, 20),
)

var connWaitLatency = metrics.NewHistogramWithBuckets(
	"conn_wait_latency_seconds",
	subsystem,
	"Time spent waiting for a pooled connection",
	[]string{},
	prometheus.ExponentialBuckets(0.00001, 4, 10),
).WithLabelValues()
