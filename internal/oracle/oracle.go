// Package oracle models a price-feed snapshot and the validity checks the
// engine runs before trusting it. Staleness is a data check, not a runtime
// concern: the caller fetched the account, we only judge the numbers.
package oracle

import (
	"errors"
	"fmt"

	"PerpQuote/internal/fixed"
	"PerpQuote/internal/market"
)

var (
	// ErrStaleOracle means the snapshot's slot is older than the guard rail
	// allows for AMM-priced fills.
	ErrStaleOracle = errors.New("oracle: stale")

	// ErrInvalidOracle means the price itself failed validity checks
	// (non-positive, too volatile versus TWAP, or confidence too wide).
	ErrInvalidOracle = errors.New("oracle: invalid")
)

// PriceData is a fresh per-query snapshot of an oracle account. Never mutated.
type PriceData struct {
	Price      fixed.Price
	Confidence fixed.Price // one-sided confidence interval
	Slot       uint64

	HasSufficientDataPoints bool
	// FetchedThisSlot is set by the account layer when the print landed in
	// the current slot; informational only.
	FetchedThisSlot bool
}

// GuardRails is the immutable oracle validity configuration. Passed
// explicitly; there are no mutable globals.
type GuardRails struct {
	SlotsBeforeStaleForAMM uint64

	// ConfidenceIntervalMaxSizePct caps confidence/price (PERCENTAGE scale),
	// widened per contract tier.
	ConfidenceIntervalMaxSizePct fixed.Pct

	// TooVolatileRatio rejects prices more than this multiple away from the
	// historical TWAP in either direction.
	TooVolatileRatio int64

	// MarkOraclePercentDivergence bounds oracle-vs-5min-TWAP drift
	// (PERCENTAGE scale) for settlement operations.
	MarkOraclePercentDivergence fixed.Pct
}

// DefaultGuardRails mirrors the on-chain program configuration.
func DefaultGuardRails() GuardRails {
	return GuardRails{
		SlotsBeforeStaleForAMM:       10,
		ConfidenceIntervalMaxSizePct: fixed.Pct(20_000), // 2%
		TooVolatileRatio:             5,
		MarkOraclePercentDivergence:  fixed.Pct(100_000), // 10%
	}
}

// Validate runs the full validity gauntlet for pricing against the AMM.
func (d *PriceData) Validate(
	rails GuardRails,
	tier market.ContractTier,
	hist market.HistoricalOracleData,
	nowSlot uint64,
) error {
	if !d.HasSufficientDataPoints {
		return fmt.Errorf("insufficient data points: %w", ErrInvalidOracle)
	}
	if nowSlot >= d.Slot && nowSlot-d.Slot > rails.SlotsBeforeStaleForAMM {
		return fmt.Errorf("slot age %d exceeds %d: %w",
			nowSlot-d.Slot, rails.SlotsBeforeStaleForAMM, ErrStaleOracle)
	}
	if d.Price <= 0 {
		return fmt.Errorf("non-positive price %d: %w", d.Price, ErrInvalidOracle)
	}

	if twap := int64(hist.LastOraclePriceTwap); twap > 0 {
		price := int64(d.Price)
		if price/fixed.MaxInt64(1, twap) > rails.TooVolatileRatio ||
			twap/fixed.MaxInt64(1, price) > rails.TooVolatileRatio {
			return fmt.Errorf("price %d too volatile vs twap %d: %w", price, twap, ErrInvalidOracle)
		}
	}

	// confidence/price as a PERCENTAGE-scale fraction, rounded against the
	// oracle (fees up, trust down).
	confPct, err := fixed.MulDivUp(fixed.MaxInt64(1, int64(d.Confidence)), fixed.PctPrecision, int64(d.Price))
	if err != nil {
		return err
	}
	maxConf := int64(rails.ConfidenceIntervalMaxSizePct) * tier.MaxConfidenceMultiplier()
	if confPct > maxConf {
		return fmt.Errorf("confidence %d exceeds %d: %w", confPct, maxConf, ErrInvalidOracle)
	}
	return nil
}

// LiveTwap interpolates the stored TWAP forward to now, clamping the fresh
// print to one third around the stored TWAP so a single wild print cannot
// swing the average.
func LiveTwap(hist market.HistoricalOracleData, d *PriceData, now, periodSeconds int64) fixed.Price {
	twap := int64(hist.LastOraclePriceTwap)
	if periodSeconds == 300 {
		twap = int64(hist.LastOraclePriceTwap5Min)
	}

	sinceLastUpdate := fixed.MaxInt64(1, now-hist.LastOraclePriceTwapTs)
	sinceStart := fixed.MaxInt64(0, periodSeconds-sinceLastUpdate)

	clampRange := twap / 3
	clamped := fixed.ClampInt64(int64(d.Price), twap-clampRange, twap+clampRange)

	num := fixed.AddBN(
		fixed.MulBN(fixed.BN(twap), fixed.BN(sinceStart)),
		fixed.MulBN(fixed.BN(clamped), fixed.BN(sinceLastUpdate)),
	)
	return fixed.Price(fixed.DivBN(num, fixed.BN(sinceStart+sinceLastUpdate)).Int64())
}

// LiveStd blends the stored oracle standard deviation with the fresh print's
// distance from the live TWAP.
func LiveStd(amm *market.AMM, d *PriceData, now int64) fixed.Price {
	hist := amm.HistoricalOracleData
	sinceLastUpdate := fixed.MaxInt64(1, now-hist.LastOraclePriceTwapTs)
	sinceStart := fixed.MaxInt64(0, amm.FundingPeriod-sinceLastUpdate)

	liveTwap := LiveTwap(hist, d, now, amm.FundingPeriod)
	deltaVsTwap := fixed.AbsInt64(int64(d.Price) - int64(liveTwap))

	carried := int64(amm.OracleStd) * sinceStart / (sinceStart + sinceLastUpdate)
	return fixed.Price(deltaVsTwap + carried)
}

// ConfPct converts the confidence interval to a PERCENTAGE-scale fraction of
// the reserve price, floored by a slow decay of the last stored value so the
// spread cannot collapse the instant confidence tightens.
func ConfPct(amm *market.AMM, d *PriceData, reservePrice fixed.Price, now int64) (fixed.Pct, error) {
	if reservePrice <= 0 {
		return 0, fmt.Errorf("conf pct: reserve price %d: %w", reservePrice, fixed.ErrDivideByZero)
	}

	sinceLastUpdate := fixed.MaxInt64(0, now-amm.HistoricalOracleData.LastOraclePriceTwapTs)
	lowerBound := int64(amm.LastOracleConfPct)
	if sinceLastUpdate > 0 {
		divisor := fixed.MaxInt64(21-sinceLastUpdate, 5)
		lowerBound -= lowerBound / divisor
	}

	confPct, err := fixed.MulDiv(int64(d.Confidence), fixed.PctPrecision, int64(reservePrice))
	if err != nil {
		return 0, err
	}
	return fixed.Pct(fixed.MaxInt64(confPct, lowerBound)), nil
}

// PriceBands returns the [lo, hi] oracle band outside which fills are
// refused: half-width is the market's initial/maintenance margin gap.
func PriceBands(m *market.PerpMarket, d *PriceData) (fixed.Price, fixed.Price, error) {
	gap := m.MarginRatioInitial - m.MarginRatioMaintenance
	offset, err := fixed.MulDiv(int64(d.Price), gap, fixed.MarginPrecision)
	if err != nil {
		return 0, 0, err
	}
	if offset <= 0 {
		return 0, 0, fmt.Errorf("price bands: non-positive offset %d: %w", offset, ErrInvalidOracle)
	}
	return d.Price - fixed.Price(offset), d.Price + fixed.Price(offset), nil
}

// TooDivergent reports whether the fresh print sits too far from the rolling
// 5-minute TWAP for settlement-grade operations.
func TooDivergent(amm *market.AMM, d *PriceData, rails GuardRails, now int64) bool {
	hist := amm.HistoricalOracleData
	twap5 := int64(LiveTwap(hist, d, now, 300))
	if twap5 == 0 {
		return true
	}

	spread := twap5 - int64(d.Price)
	spreadPct := fixed.DivBN(
		fixed.MulBN(fixed.BN(spread), fixed.BN(fixed.PctPrecision)),
		fixed.BN(twap5),
	)

	maxDivergence := fixed.MaxInt64(int64(rails.MarkOraclePercentDivergence), fixed.PctPrecision/10)
	return fixed.AbsBN(spreadPct).Cmp(fixed.BN(maxDivergence)) >= 0
}
