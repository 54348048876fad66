package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const namespace = "twende"

// Metrics holds the engine counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	settlements      *prometheus.CounterVec
	feesCollected    *prometheus.CounterVec
	inboundCallbacks *prometheus.CounterVec
	withdrawals      *prometheus.CounterVec
	payoutDispatches *prometheus.CounterVec
	payoutResults    *prometheus.CounterVec
	ussdResponses    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
}

// New registers the engine metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		settlements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fare_settlements_total",
			Help:      "Fare settlements by fee context and outcome",
		}, []string{"context", "outcome"}),
		feesCollected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_collected_kes_total",
			Help:      "Fee amounts credited to beneficiary wallets",
		}, []string{"context"}),
		inboundCallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_callbacks_total",
			Help:      "Inbound payment notifications by kind and outcome",
		}, []string{"kind", "outcome"}),
		withdrawals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawal_requests_total",
			Help:      "Withdrawal requests by mode and outcome",
		}, []string{"mode", "outcome"}),
		payoutDispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_dispatches_total",
			Help:      "Payout dispatch attempts by outcome",
		}, []string{"outcome"}),
		payoutResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_results_total",
			Help:      "Payout result callbacks by final status",
		}, []string{"status"}),
		ussdResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ussd_responses_total",
			Help:      "USSD screens rendered by kind",
		}, []string{"kind"}),
		providerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of M-Pesa API calls",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		}, []string{"operation"}),
	}
}

func (m *Metrics) Settlement(feeContext, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(feeContext, outcome).Inc()
}

func (m *Metrics) FeeCollected(feeContext string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.feesCollected.WithLabelValues(feeContext).Add(amount.InexactFloat64())
}

func (m *Metrics) InboundCallback(kind, outcome string) {
	if m == nil {
		return
	}
	m.inboundCallbacks.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Withdrawal(mode, outcome string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) PayoutDispatch(outcome string) {
	if m == nil {
		return
	}
	m.payoutDispatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PayoutResult(status string) {
	if m == nil {
		return
	}
	m.payoutResults.WithLabelValues(status).Inc()
}

func (m *Metrics) USSDResponse(kind string) {
	if m == nil {
		return
	}
	m.ussdResponses.WithLabelValues(kind).Inc()
}

// ObserveProvider records the duration of an outbound provider call.
func (m *Metrics) ObserveProvider(operation string, started time.Time) {
	if m == nil {
		return
	}
	m.providerDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}
