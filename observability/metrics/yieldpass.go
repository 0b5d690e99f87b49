package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// YieldPassMetrics groups the registry counters exported to Prometheus.
type YieldPassMetrics struct {
	marketsDeployed prometheus.Counter
	mints           *prometheus.CounterVec
	sharesMinted    *prometheus.CounterVec
	harvested       *prometheus.CounterVec
	claims          *prometheus.CounterVec
	redemptions     *prometheus.CounterVec
	withdrawals     *prometheus.CounterVec
	opFailures      *prometheus.CounterVec
}

var (
	yieldPassOnce     sync.Once
	yieldPassRegistry *YieldPassMetrics
)

// YieldPass returns the process-wide registry metrics, registering the
// collectors on first use.
func YieldPass() *YieldPassMetrics {
	yieldPassOnce.Do(func() {
		yieldPassRegistry = &YieldPassMetrics{
			marketsDeployed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "yieldpass_markets_deployed_total",
				Help: "Count of markets deployed.",
			}),
			mints: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "yieldpass_mints_total",
				Help: "Count of mint operations per market.",
			}, []string{"market"}),
			sharesMinted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "yieldpass_shares_minted_total",
				Help: "Share units minted per market, in base units.",
			}, []string{"market"}),
			harvested: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "yieldpass_harvested_total",
				Help: "Yield token units harvested per market.",
			}, []string{"market"}),
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "yieldpass_claims_total",
				Help: "Count of claim payouts per market.",
			}, []string{"market"}),
			redemptions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "yieldpass_redemptions_total",
				Help: "Count of redemption registrations per market.",
			}, []string{"market"}),
			withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "yieldpass_withdrawals_total",
				Help: "Count of completed node releases per market.",
			}, []string{"market"}),
			opFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "yieldpass_op_failures_total",
				Help: "Count of rejected registry operations by method.",
			}, []string{"method"}),
		}
		prometheus.MustRegister(
			yieldPassRegistry.marketsDeployed,
			yieldPassRegistry.mints,
			yieldPassRegistry.sharesMinted,
			yieldPassRegistry.harvested,
			yieldPassRegistry.claims,
			yieldPassRegistry.redemptions,
			yieldPassRegistry.withdrawals,
			yieldPassRegistry.opFailures,
		)
	})
	return yieldPassRegistry
}

func (m *YieldPassMetrics) ObserveMarketDeployed() {
	if m == nil {
		return
	}
	m.marketsDeployed.Inc()
}

func (m *YieldPassMetrics) ObserveMint(market string, shareUnits float64) {
	if m == nil {
		return
	}
	m.mints.WithLabelValues(market).Inc()
	if shareUnits > 0 {
		m.sharesMinted.WithLabelValues(market).Add(shareUnits)
	}
}

func (m *YieldPassMetrics) ObserveHarvest(market string, amount float64) {
	if m == nil {
		return
	}
	if amount > 0 {
		m.harvested.WithLabelValues(market).Add(amount)
	}
}

func (m *YieldPassMetrics) ObserveClaim(market string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(market).Inc()
}

func (m *YieldPassMetrics) ObserveRedemption(market string) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(market).Inc()
}

func (m *YieldPassMetrics) ObserveWithdrawal(market string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(market).Inc()
}

func (m *YieldPassMetrics) ObserveFailure(method string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.opFailures.WithLabelValues(method).Inc()
}
