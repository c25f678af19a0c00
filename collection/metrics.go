package collection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetrics mirrors wal.metrics's shape: a small struct of
// promauto-registered collectors, safe to construct with a nil registerer.
type engineMetrics struct {
	inserts       prometheus.Counter
	deletes       prometheus.Counter
	searches      prometheus.Counter
	indexDrainLen prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	factory := promauto.With(reg)
	return &engineMetrics{
		inserts: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperspace_collection_inserts_total",
			Help: "Total number of Insert calls accepted by the collection engine.",
		}),
		deletes: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperspace_collection_deletes_total",
			Help: "Total number of Delete calls accepted by the collection engine.",
		}),
		searches: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperspace_collection_searches_total",
			Help: "Total number of Search calls served by the collection engine.",
		}),
		indexDrainLen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hyperspace_collection_index_queue_depth",
			Help: "Number of ids enqueued for HNSW link-in that have not yet completed.",
		}),
	}
}
