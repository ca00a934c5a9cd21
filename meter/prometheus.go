package meter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/creditledger"
)

// PrometheusMeter exports ledger events as Prometheus metrics.
type PrometheusMeter struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	credits    *prometheus.CounterVec
	reconciles *prometheus.CounterVec
}

var _ creditledger.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter registers the ledger metrics with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusMeter{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditledger",
			Name:      "operations_total",
			Help:      "Ledger operations by outcome reason.",
		}, []string{"op", "reason"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "creditledger",
			Name:      "operation_duration_seconds",
			Help:      "Latency of ledger operations including store retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		credits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditledger",
			Name:      "credits_requested_total",
			Help:      "Credits requested by successful reserve, consume and pack operations.",
		}, []string{"op"}),
		reconciles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "creditledger",
			Name:      "reconciliations_total",
			Help:      "Reconciliation runs by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *PrometheusMeter) OnOperation(e creditledger.OperationEvent) {
	reason := e.Result.Reason
	if reason == "" {
		reason = "ok"
	}
	m.operations.WithLabelValues(e.Op, reason).Inc()
	m.latency.WithLabelValues(e.Op).Observe(e.Duration.Seconds())
	if e.Error == nil && e.Amount > 0 {
		m.credits.WithLabelValues(e.Op).Add(float64(e.Amount))
	}
}

func (m *PrometheusMeter) OnReconcile(e creditledger.ReconcileEvent) {
	var outcome string
	switch {
	case e.Error != nil:
		outcome = creditledger.ReasonCode(e.Error)
	case e.Fallback != "":
		outcome = e.Fallback
	case e.BalanceChanged:
		outcome = "compensated"
	default:
		outcome = "unchanged"
	}
	m.reconciles.WithLabelValues(outcome).Inc()
}
