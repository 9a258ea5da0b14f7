package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the session controller.
type Metrics struct {
	Sessions           *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	ScreenTimeouts     prometheus.Counter
	BillsAccepted      prometheus.Counter
	BillsRejected      *prometheus.CounterVec
	ComplianceHolds    *prometheus.CounterVec
	DispenseBatches    prometheus.Counter
	DispenseShortfalls prometheus.Counter
	NetworkDowns       prometheus.Counter
	HardwareErrors     prometheus.Counter
	SessionDurationSec prometheus.Histogram
}

// New registers and returns session metrics collectors.
func New() *Metrics {
	return &Metrics{
		Sessions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "teller_sessions_total",
			Help: "Total customer sessions by direction and outcome",
		}, []string{"direction", "outcome"}),
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "teller_state_transitions_total",
			Help: "Total state transitions by target state",
		}, []string{"state"}),
		ScreenTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "teller_screen_timeouts_total",
			Help: "Total screens abandoned by the customer",
		}),
		BillsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "teller_bills_accepted_total",
			Help: "Total bills stacked into the cashbox",
		}),
		BillsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "teller_bills_rejected_total",
			Help: "Total bill batches returned to the customer by reason",
		}, []string{"reason"}),
		ComplianceHolds: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "teller_compliance_holds_total",
			Help: "Total sessions routed to a verification tier",
		}, []string{"tier"}),
		DispenseBatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "teller_dispense_batches_total",
			Help: "Total cash-out batches sent to the dispenser",
		}),
		DispenseShortfalls: promauto.NewCounter(prometheus.CounterOpts{
			Name: "teller_dispense_shortfalls_total",
			Help: "Total dispenses that ended short of the committed amount",
		}),
		NetworkDowns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "teller_network_down_total",
			Help: "Total network-down episodes seen by the controller",
		}),
		HardwareErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "teller_hardware_errors_total",
			Help: "Total validator or dispenser faults",
		}),
		SessionDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "teller_session_duration_seconds",
			Help:    "Customer session length from first interaction to goodbye",
			Buckets: []float64{15, 30, 60, 120, 300, 600, 1200},
		}),
	}
}
