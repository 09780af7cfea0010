package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the quote engine. The engine has
// no HTTP surface of its own; callers expose the default registry however
// they serve the rest of their process.
type Metrics struct {
	// --- Quoting ---
	QuotesComputed *prometheus.CounterVec
	QuoteErrors    *prometheus.CounterVec
	QuoteDuration  *prometheus.HistogramVec
	SpreadLong     *prometheus.GaugeVec
	SpreadShort    *prometheus.GaugeVec
	OracleMarkGap  *prometheus.GaugeVec

	// --- Repeg ---
	RepegApplied  *prometheus.CounterVec
	RepegCost     *prometheus.GaugeVec
	RepegKShrinks *prometheus.CounterVec
	PegMultiplier *prometheus.GaugeVec

	// --- Funding ---
	FundingEstimates  *prometheus.CounterVec
	FundingRateLong   *prometheus.GaugeVec
	FundingRateShort  *prometheus.GaugeVec
	FundingFeeSubsidy *prometheus.CounterVec

	// --- Oracle validity ---
	OracleRejected *prometheus.CounterVec
	OracleConfPct  *prometheus.GaugeVec

	// --- Margin / liquidation ---
	MarginComputed       *prometheus.CounterVec
	AccountsLiquidatable prometheus.Counter

	// --- Invariants ---
	InvariantViolations *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	computeBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002,
	}

	return &Metrics{
		// Quoting
		QuotesComputed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpquote_quotes_computed_total",
			Help: "Bid/ask quotes successfully computed",
		}, []string{"market"}),

		QuoteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpquote_quote_errors_total",
			Help: "Quote computations refused (stale oracle, invariant, bad input)",
		}, []string{"market", "reason"}),

		QuoteDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpquote_quote_duration_seconds",
			Help:    "Time to compute one bid/ask quote",
			Buckets: computeBuckets,
		}, []string{"market"}),

		SpreadLong: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpquote_spread_long_pct",
			Help: "Last computed long spread, PERCENTAGE scale",
		}, []string{"market"}),

		SpreadShort: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpquote_spread_short_pct",
			Help: "Last computed short spread, PERCENTAGE scale",
		}, []string{"market"}),

		OracleMarkGap: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpquote_oracle_mark_gap",
			Help: "Reserve price minus oracle price, PRICE scale",
		}, []string{"market"}),

		// Repeg
		RepegApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpquote_repeg_applied_total",
			Help: "Prepeg computations that moved the peg",
		}, []string{"market"}),

		RepegCost: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpquote_repeg_cost_quote",
			Help: "Last repeg cost charged to the fee pool, QUOTE scale",
		}, []string{"market"}),

		RepegKShrinks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpquote_repeg_k_shrinks_total",
			Help: "Repegs that had to shrink k to fund the move",
		}, []string{"market"}),

		PegMultiplier: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpquote_peg_multiplier",
			Help: "Current peg multiplier, PEG scale",
		}, []string{"market"}),

		// Funding
		FundingEstimates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpquote_funding_estimates_total",
			Help: "Funding split estimates computed",
		}, []string{"market"}),

		FundingRateLong: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpquote_funding_rate_long",
			Help: "Last long funding rate, FUNDING scale fraction of notional",
		}, []string{"market"}),

		FundingRateShort: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpquote_funding_rate_short",
			Help: "Last short funding rate, FUNDING scale fraction of notional",
		}, []string{"market"}),

		FundingFeeSubsidy: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpquote_funding_fee_subsidy_total",
			Help: "Funding periods where the fee pool subsidized the receiving side",
		}, []string{"market"}),

		// Oracle validity
		OracleRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpquote_oracle_rejected_total",
			Help: "Oracle snapshots that failed validity rails",
		}, []string{"market", "reason"}),

		OracleConfPct: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpquote_oracle_conf_pct",
			Help: "Oracle confidence as a fraction of price, PERCENTAGE scale",
		}, []string{"market"}),

		// Margin / liquidation
		MarginComputed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpquote_margin_computed_total",
			Help: "Account health computations",
		}, []string{"mode"}),

		AccountsLiquidatable: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpquote_accounts_liquidatable_total",
			Help: "Health checks that found the account below maintenance",
		}),

		// Invariants
		InvariantViolations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpquote_invariant_violations_total",
			Help: "k-drift, bracket or spread-cap violations detected",
		}, []string{"market", "invariant"}),
	}
}
