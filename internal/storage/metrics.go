package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// openHandles tracks currently open tenant databases.
	openHandles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vaultd",
			Subsystem: "storage",
			Name:      "open_handles",
			Help:      "Number of open per-tenant database handles",
		},
	)

	// poolAcquires counts handle acquisitions.
	// Labels: result (hit, miss, error)
	poolAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vaultd",
			Subsystem: "storage",
			Name:      "pool_acquires_total",
			Help:      "Total handle acquisitions by result",
		},
		[]string{"result"},
	)

	// poolEvictions counts handle evictions.
	// Labels: reason (capacity, idle)
	poolEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vaultd",
			Subsystem: "storage",
			Name:      "pool_evictions_total",
			Help:      "Total handle evictions by reason",
		},
		[]string{"reason"},
	)
)
