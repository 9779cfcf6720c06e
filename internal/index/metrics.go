package index

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// indexWrites counts successful index writes.
	// Labels: provider (chromem, qdrant), op (upsert, delete)
	indexWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vaultd",
			Subsystem: "index",
			Name:      "writes_total",
			Help:      "Successful vector index writes by provider and operation",
		},
		[]string{"provider", "op"},
	)

	// Degradations counts vector-shadow failures swallowed at the
	// repository or search boundary.
	// Labels: op (upsert, delete, query)
	Degradations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vaultd",
			Subsystem: "index",
			Name:      "degradations_total",
			Help:      "Vector index failures handled by degradation paths",
		},
		[]string{"op"},
	)
)
