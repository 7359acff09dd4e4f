package lock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeAcquired  = "acquired"
	outcomeTimeout   = "timeout"
	outcomeCancelled = "cancelled"
	outcomeError     = "error"
)

var lockAcquisitionSeconds = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "coordination_lock_acquisition_seconds",
		Help:    "Time spent acquiring distributed locks, split by outcome.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"outcome"},
)

func observeAcquisition(outcome string, waited time.Duration) {
	lockAcquisitionSeconds.WithLabelValues(outcome).Observe(waited.Seconds())
}
