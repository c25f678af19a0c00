package wal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics mirrors the teacher's newWALMetrics shape: a small struct of
// promauto-registered collectors, safe to construct with a nil registerer
// (promauto falls back to prometheus.DefaultRegisterer, but tests pass a
// fresh prometheus.NewRegistry() to avoid cross-test collisions).
type metrics struct {
	appends        prometheus.Counter
	entriesWritten prometheus.Counter
	entriesRead    prometheus.Counter
	bytesWritten   prometheus.Counter
	truncations    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		appends: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperspace_wal_appends_total",
			Help: "Total number of WAL Append calls.",
		}),
		entriesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperspace_wal_entries_written_total",
			Help: "Total number of WAL records durably framed.",
		}),
		entriesRead: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperspace_wal_entries_read_total",
			Help: "Total number of WAL records replayed.",
		}),
		bytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperspace_wal_bytes_written_total",
			Help: "Total number of bytes appended to WAL files.",
		}),
		truncations: factory.NewCounter(prometheus.CounterOpts{
			Name: "hyperspace_wal_truncations_total",
			Help: "Total number of crash-truncation repairs performed on replay.",
		}),
	}
}
