package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "engbrain_sync_cycles_total",
	Help: "counter of completed scheduler cycles, labelled by result",
}, []string{"result"})

var cycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "engbrain_sync_cycle_seconds",
	Help:    "wall-clock duration of scheduler cycles",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
})

var connectedRepositories = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "engbrain_connected_repositories",
	Help: "gauge of repositories with a live connection record",
})

var lastSyncTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "engbrain_last_sync_timestamp_seconds",
	Help: "unix time of the last completed per-repository sync",
}, []string{"repo"})
