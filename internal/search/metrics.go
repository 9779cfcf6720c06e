package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var searches = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vaultd",
		Subsystem: "search",
		Name:      "queries_total",
		Help:      "Completed hybrid searches by outcome",
	},
	[]string{"outcome"}, // full, degraded
)
