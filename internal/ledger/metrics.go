package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rateChecks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vaultd",
		Subsystem: "ledger",
		Name:      "rate_checks_total",
		Help:      "Rate-limit checks by operation and outcome",
	},
	[]string{"op", "outcome"},
)
