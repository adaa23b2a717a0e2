package wallet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is optional everywhere; a nil *Metrics records nothing.
type Metrics struct {
	ordersIssued      *prometheus.CounterVec
	captures          *prometheus.CounterVec
	ledgerApplied     *prometheus.CounterVec
	providerDuration  *prometheus.HistogramVec
	integrityAlarms   prometheus.Counter
	reconcileChecked  prometheus.Counter
	sweepTransitioned *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ordersIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_orders_issued_total",
			Help: "Recharge orders issued, by outcome",
		}, []string{"outcome"}),
		captures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_captures_total",
			Help: "Capture results, by status",
		}, []string{"status"}),
		ledgerApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_ledger_applied_total",
			Help: "Ledger transactions applied to balances, by type",
		}, []string{"type"}),
		providerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wallet_provider_call_duration_seconds",
			Help:    "Duration of payment provider calls",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}, []string{"call", "result"}),
		integrityAlarms: f.NewCounter(prometheus.CounterOpts{
			Name: "wallet_integrity_alarms_total",
			Help: "Balance mismatches found by reconciliation",
		}),
		reconcileChecked: f.NewCounter(prometheus.CounterOpts{
			Name: "wallet_reconcile_accounts_checked_total",
			Help: "Accounts checked by reconciliation",
		}),
		sweepTransitioned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_sweep_transitions_total",
			Help: "Stale pending orders resolved by the sweep, by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) orderIssued(outcome string) {
	if m != nil {
		m.ordersIssued.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) captured(status string) {
	if m != nil {
		m.captures.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) applied(t TransactionType) {
	if m != nil {
		m.ledgerApplied.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) providerCall(call, result string, seconds float64) {
	if m != nil {
		m.providerDuration.WithLabelValues(call, result).Observe(seconds)
	}
}

func (m *Metrics) alarm() {
	if m != nil {
		m.integrityAlarms.Inc()
	}
}

func (m *Metrics) checked() {
	if m != nil {
		m.reconcileChecked.Inc()
	}
}

func (m *Metrics) swept(result string) {
	if m != nil {
		m.sweepTransitioned.WithLabelValues(result).Inc()
	}
}
