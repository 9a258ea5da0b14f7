package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for transaction log syncing.
type Metrics struct {
	PostAttempts   prometheus.Counter
	PostRetries    prometheus.Counter
	PostConflicts  *prometheus.CounterVec
	PostTimeouts   prometheus.Counter
	LocalSaveFails prometheus.Counter
	Resubmitted    prometheus.Counter
}

// New registers and returns txlog metrics collectors.
func New() *Metrics {
	return &Metrics{
		PostAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "teller_tx_post_attempts_total",
			Help: "Total transaction post attempts against the backend",
		}),
		PostRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "teller_tx_post_retries_total",
			Help: "Total transaction post retries after transient failures",
		}),
		PostConflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "teller_tx_post_conflicts_total",
			Help: "Total posts aborted on backend conflicts",
		}, []string{"kind"}),
		PostTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "teller_tx_post_timeouts_total",
			Help: "Total posts that exhausted the retry budget",
		}),
		LocalSaveFails: promauto.NewCounter(prometheus.CounterOpts{
			Name: "teller_tx_local_save_failures_total",
			Help: "Total local snapshot writes that failed after a remote post",
		}),
		Resubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "teller_tx_resubmitted_total",
			Help: "Total pending transactions resubmitted during startup recovery",
		}),
	}
}
