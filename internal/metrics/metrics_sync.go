package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "babygitr_sync_total",
			Help: "Total number of completed sync cycles by outcome",
		},
		[]string{"branch", "outcome"},
	)

	SyncFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "babygitr_sync_failed_total",
			Help: "Total number of failed sync cycles by error kind",
		},
		[]string{"branch", "kind"},
	)

	SyncDiscardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "babygitr_sync_discarded_total",
			Help: "Total number of sync cycles that discarded local history",
		},
		[]string{"branch"},
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "babygitr_sync_duration_seconds",
			Help:    "Sync cycle duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 1.5, 2, 5, 10, 30, 60},
		},
		[]string{"branch"},
	)

	LastSyncEnd = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "babygitr_last_sync_end_timestamp",
			Help: "Unix timestamp of when the last sync cycle ended",
		},
		[]string{"branch"},
	)

	CredentialResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "babygitr_credential_resolutions_total",
			Help: "Total number of credential resolutions by scheme and result",
		},
		[]string{"scheme", "result"},
	)
)

func SyncSucceeded(branch, outcome string, discarded bool, startTime time.Time) {
	SyncTotal.WithLabelValues(branch, outcome).Inc()
	if discarded {
		SyncDiscardedTotal.WithLabelValues(branch).Inc()
	}
	SyncDuration.WithLabelValues(branch).Observe(time.Since(startTime).Seconds())
	LastSyncEnd.WithLabelValues(branch).SetToCurrentTime()
}

func SyncFailed(branch, kind string) {
	SyncFailedTotal.WithLabelValues(branch, kind).Inc()
	LastSyncEnd.WithLabelValues(branch).SetToCurrentTime()
}

func CredentialResolved(scheme string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	CredentialResolutions.WithLabelValues(scheme, result).Inc()
}
