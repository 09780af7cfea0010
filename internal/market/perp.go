// Package market holds immutable snapshots of on-chain account state.
//
// Snapshots arrive fully deserialized from the account-fetching layer; the
// engine never parses wire bytes. Every computation takes these structs by
// pointer but must not mutate them — functions that evolve state (repeg,
// interest accrual) return fresh copies.
package market

import (
	"fmt"

	"PerpQuote/internal/fixed"
)

// HistoricalOracleData is the AMM's record of recent oracle prints.
type HistoricalOracleData struct {
	LastOraclePriceTwap     fixed.Price // funding-period TWAP
	LastOraclePriceTwap5Min fixed.Price
	LastOraclePriceTwapTs   int64
}

// AMM is the virtual constant-product curve backing a perp market.
//
// Invariant: QuoteAssetReserve * BaseAssetReserve == SqrtK^2 within one unit
// of integer rounding, re-established after every repeg or k adjustment.
type AMM struct {
	BaseAssetReserve          fixed.Base
	QuoteAssetReserve         fixed.Base // reserve units, same scale as base
	SqrtK                     fixed.Base
	TerminalQuoteAssetReserve fixed.Base // quote reserve at zero net inventory
	MinBaseAssetReserve       fixed.Base
	MaxBaseAssetReserve       fixed.Base

	PegMultiplier fixed.Peg

	// Signed inventory held by the AMM's counterparties.
	BaseAssetAmountWithAMM fixed.Base  // net user base (long positive)
	BaseAssetAmountLong    fixed.Base
	BaseAssetAmountShort   fixed.Base  // negative
	QuoteAssetAmount       fixed.Quote // net user cost basis, signed

	// Spread state (PERCENTAGE scale).
	BaseSpread  fixed.Pct
	MaxSpread   fixed.Pct
	LongSpread  fixed.Pct
	ShortSpread fixed.Pct

	// Fee accounting (QUOTE scale).
	TotalFee                   fixed.Quote
	TotalFeeMinusDistributions fixed.Quote
	TotalExchangeFee           fixed.Quote
	TotalMMFee                 fixed.Quote
	NetRevenueSinceLastFunding fixed.Quote

	// TWAPs and volatility state.
	LastMarkPriceTwap     fixed.Price
	LastMarkPriceTwap5Min fixed.Price
	LastMarkPriceTwapTs   int64
	HistoricalOracleData  HistoricalOracleData
	LastOracleConfPct     fixed.Pct
	MarkStd               fixed.Price
	OracleStd             fixed.Price

	// Funding state.
	CumulativeFundingRateLong  fixed.FundingRate
	CumulativeFundingRateShort fixed.FundingRate
	LastFundingRateTs          int64
	FundingPeriod              int64             // seconds
	FundingPaused              bool

	// CurveUpdateIntensity in [0,100] gates prepeg aggressiveness; zero
	// disables repricing entirely.
	CurveUpdateIntensity int64

	// FeePoolBalance is the AMM fee pool's scaled balance in the quote spot
	// market.
	FeePoolBalance fixed.Shares
}

// Validate rejects snapshots that would make downstream math undefined.
func (a *AMM) Validate() error {
	if a.BaseAssetReserve <= 0 || a.QuoteAssetReserve <= 0 {
		return fmt.Errorf("amm reserves must be positive: base=%d quote=%d: %w",
			a.BaseAssetReserve, a.QuoteAssetReserve, fixed.ErrDivideByZero)
	}
	if a.SqrtK <= 0 {
		return fmt.Errorf("amm sqrtK must be positive: %d: %w", a.SqrtK, fixed.ErrDivideByZero)
	}
	if a.PegMultiplier <= 0 {
		return fmt.Errorf("amm peg must be positive: %d: %w", a.PegMultiplier, fixed.ErrDivideByZero)
	}
	if a.FundingPeriod <= 0 {
		return fmt.Errorf("amm funding period must be positive: %d: %w", a.FundingPeriod, fixed.ErrDivideByZero)
	}
	return nil
}

// InsuranceClaim caps how much of the insurance fund a single perp market may
// draw on.
type InsuranceClaim struct {
	QuoteMaxInsurance     fixed.Quote
	QuoteSettledInsurance fixed.Quote
}

// PerpMarket wraps an AMM with margin, lifecycle and pnl-pool state.
type PerpMarket struct {
	MarketIndex uint16
	Name        string

	AMM AMM

	// Margin ratios, MARGIN scale (10^4).
	MarginRatioInitial     int64
	MarginRatioMaintenance int64
	IMFFactor              int64 // IMF scale

	ContractTier ContractTier
	Status       Status
	ExpiryTs     int64
	ExpiryPrice  fixed.Price  // pinned when Status reaches Settlement

	// Unrealized pnl haircut parameters (WEIGHT scale).
	UnrealizedPnlInitialAssetWeight     int64
	UnrealizedPnlMaintenanceAssetWeight int64
	UnrealizedPnlMaxImbalance           fixed.Quote
	UnrealizedPnlIMFFactor              int64

	// PnlPoolBalance is a scaled balance in the quote spot market.
	PnlPoolBalance fixed.Shares

	InsuranceClaim InsuranceClaim

	// Revenue settle throttle.
	MaxRevenueWithdrawPerPeriod    fixed.Quote
	RevenueWithdrawSinceLastSettle fixed.Quote
	LastRevenueWithdrawTs          int64
	RevenueWithdrawPeriod          int64       // seconds
}

// Validate rejects malformed market snapshots.
func (m *PerpMarket) Validate() error {
	if err := m.AMM.Validate(); err != nil {
		return fmt.Errorf("market %d: %w", m.MarketIndex, err)
	}
	if m.MarginRatioMaintenance <= 0 || m.MarginRatioInitial <= m.MarginRatioMaintenance {
		return fmt.Errorf("market %d: margin ratios invalid: initial=%d maintenance=%d",
			m.MarketIndex, m.MarginRatioInitial, m.MarginRatioMaintenance)
	}
	return nil
}

// CanSettle reports whether a reduce-only market may move to Settlement:
// the expiry timestamp must be set and must have passed.
func (m *PerpMarket) CanSettle(nowTs int64) bool {
	return m.Status.CanTransitionTo(StatusSettlement) && m.ExpiryTs > 0 && nowTs >= m.ExpiryTs
}

// CanOpenPosition enforces the lifecycle precondition for risk-increasing
// orders. Callers are expected to check Status first; this still refuses
// rather than quoting against a frozen market.
func (m *PerpMarket) CanOpenPosition() error {
	if !m.Status.AllowsNewRisk() {
		return fmt.Errorf("market %d status %s: %w", m.MarketIndex, m.Status, ErrMarketNotActive)
	}
	return nil
}
