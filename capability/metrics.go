package capability

import "github.com/nostrsync/go-nostrsync/metrics"

const (
	subsystem = "capability"

	outcomeSupported   = "supported"
	outcomeUnsupported = "unsupported"
	outcomeError       = "error"
)

var (
	probes = metrics.NewCounter(
		"probes",
		subsystem,
		"Relay capability probes by outcome",
		[]string{"outcome"},
	)
	cacheLookups = metrics.NewCounter(
		"lookups",
		subsystem,
		"Capability lookups answered from a fresh record (hit) or by probing (miss)",
		[]string{"result"},
	)
)
