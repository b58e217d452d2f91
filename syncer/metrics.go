package syncer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nostrsync/go-nostrsync/metrics"
)

const subsystem = "syncer"

var (
	sessions = metrics.NewCounter(
		"sessions",
		subsystem,
		"negentropy sessions by outcome",
		[]string{"outcome"},
	)
	sessionOK          = sessions.WithLabelValues("ok")
	sessionUnsupported = sessions.WithLabelValues("unsupported")
	sessionFail        = sessions.WithLabelValues("fail")

	rounds = metrics.NewHistogramWithBuckets(
		"rounds",
		subsystem,
		"messages received from the relay per negentropy session",
		[]string{},
		prometheus.ExponentialBuckets(1, 2, 8),
	).WithLabelValues()

	diffSize = metrics.NewHistogramWithBuckets(
		"diff_size",
		subsystem,
		"ids found missing on either side per negentropy session",
		[]string{"side"},
		prometheus.ExponentialBuckets(1, 4, 10),
	)
	needSize = diffSize.WithLabelValues("need")
	haveSize = diffSize.WithLabelValues("have")

	fallbackQueries = metrics.NewCounter(
		"fallback_queries",
		subsystem,
		"plain queries sent to relays without negentropy",
		[]string{},
	).WithLabelValues()

	fetched = metrics.NewCounter(
		"fetched_events",
		subsystem,
		"events retrieved from relays",
		[]string{"via"},
	)
	fetchedNeg   = fetched.WithLabelValues("negentropy")
	fetchedQuery = fetched.WithLabelValues("query")

	relayRuns = metrics.NewCounter(
		"relay_runs",
		subsystem,
		"per relay sync runs",
		[]string{"outcome"},
	)
	relayOK   = relayRuns.WithLabelValues("ok")
	relayFail = relayRuns.WithLabelValues("fail")

	inFlight = metrics.NewGauge(
		"relays_in_flight",
		subsystem,
		"relays currently being synced",
		[]string{},
	).WithLabelValues()
)
