package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics tracks payment outcomes, lock contention and receipt
// lifecycle transitions.
type LedgerMetrics struct {
	payments    *prometheus.CounterVec
	collected   prometheus.Counter
	lockWait    *prometheus.HistogramVec
	finalized   prometheus.Counter
	settled     *prometheus.CounterVec
	subscribers prometheus.Gauge
}

// NewLedgerMetrics registers the ledger metrics on the provided registerer.
// A nil registerer yields a no-op instance.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	if reg == nil {
		return &LedgerMetrics{}
	}
	payments := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_payment_lines_total",
		Help: "Payment lines processed, by mode and outcome code.",
	}, []string{"mode", "outcome"})
	collected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_collected_cents_total",
		Help: "Cents applied to unit balances.",
	})
	lockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_lock_wait_seconds",
		Help:    "Time spent waiting for receipt and unit locks.",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"lock"})
	finalized := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_receipts_finalized_total",
		Help: "Receipts moved from draft to open.",
	})
	settled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_receipts_settled_total",
		Help: "Receipts moved from open to paid, by trigger.",
	}, []string{"source"})
	subscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_room_subscribers",
		Help: "Open room event subscriptions on this instance.",
	})
	reg.MustRegister(payments, collected, lockWait, finalized, settled, subscribers)
	return &LedgerMetrics{
		payments:    payments,
		collected:   collected,
		lockWait:    lockWait,
		finalized:   finalized,
		settled:     settled,
		subscribers: subscribers,
	}
}

// ObservePaymentLine counts one processed line. outcome is "ok" or an error code.
func (m *LedgerMetrics) ObservePaymentLine(mode, outcome string, amountCents int64) {
	if m == nil || m.payments == nil {
		return
	}
	m.payments.WithLabelValues(normalizeLabel(mode), normalizeLabel(outcome)).Inc()
	if outcome == "ok" && amountCents > 0 {
		m.collected.Add(float64(amountCents))
	}
}

func (m *LedgerMetrics) ObserveLockWait(lock string, wait time.Duration) {
	if m == nil || m.lockWait == nil {
		return
	}
	m.lockWait.WithLabelValues(normalizeLabel(lock)).Observe(wait.Seconds())
}

func (m *LedgerMetrics) IncFinalized() {
	if m == nil || m.finalized == nil {
		return
	}
	m.finalized.Inc()
}

// IncSettled counts a settlement; source is "payment" or "sweeper".
func (m *LedgerMetrics) IncSettled(source string) {
	if m == nil || m.settled == nil {
		return
	}
	m.settled.WithLabelValues(normalizeLabel(source)).Inc()
}

func (m *LedgerMetrics) AddSubscribers(delta int) {
	if m == nil || m.subscribers == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}
