// Package funding computes the periodic funding rate and its per-side cash
// flows. Rates are fractions of notional in FUNDING scale; the spread between
// mark and oracle TWAP is clamped before any allocation so a dislocated mark
// can never produce an unbounded rate.
package funding

import (
	"errors"
	"fmt"

	"PerpQuote/internal/fixed"
	"PerpQuote/internal/market"
)

// ErrFundingPaused means the market has funding settlement disabled;
// estimates would be misleading so the computation refuses.
var ErrFundingPaused = errors.New("funding: paused")

const secondsPerDay = 86_400

// Config is the immutable funding configuration, passed explicitly into
// every computation.
type Config struct {
	// PeriodSeconds is the funding settlement interval.
	PeriodSeconds int64

	// MaxRateDivisor clamps the mark/oracle TWAP spread to
	// ±oracleTwap/MaxRateDivisor per period.
	MaxRateDivisor int64

	// FeePoolShareDenom is the slice of the fee pool spendable on a funding
	// shortfall: budget = feePool / FeePoolShareDenom.
	FeePoolShareDenom int64
}

// DefaultConfig mirrors the on-chain program: hourly funding, spread clamped
// to oracleTwap/33, half the fee pool available for shortfalls.
func DefaultConfig() Config {
	return Config{
		PeriodSeconds:     3600,
		MaxRateDivisor:    33,
		FeePoolShareDenom: 2,
	}
}

func (c Config) validate() error {
	if c.PeriodSeconds <= 0 || c.MaxRateDivisor <= 0 || c.FeePoolShareDenom <= 0 {
		return fmt.Errorf("funding config %+v: %w", c, fixed.ErrDivideByZero)
	}
	return nil
}

// ClampedRate converts the mark/oracle TWAP spread into a per-period funding
// rate, FUNDING scale, as a signed fraction of notional. The spread is
// clamped to ±oracleTwap/MaxRateDivisor first.
func ClampedRate(cfg Config, markTwap, oracleTwap fixed.Price) (fixed.FundingRate, error) {
	if err := cfg.validate(); err != nil {
		return 0, err
	}
	if oracleTwap <= 0 {
		return 0, fmt.Errorf("funding: oracle twap %d: %w", oracleTwap, fixed.ErrDivideByZero)
	}

	maxSpread := int64(oracleTwap) / cfg.MaxRateDivisor
	spread := fixed.ClampInt64(int64(markTwap)-int64(oracleTwap), -maxSpread, maxSpread)

	periodsPerDay := fixed.MaxInt64(1, secondsPerDay/cfg.PeriodSeconds)
	rate, err := fixed.MulDiv(spread, fixed.FundingPrecision, int64(oracleTwap)*periodsPerDay)
	if err != nil {
		return 0, err
	}
	return fixed.FundingRate(rate), nil
}

// Split is one period's funding allocation between the aggregate long and
// short sides.
//
// Rates are fractions of notional (FUNDING scale) and share the sign of
// markTwap − oracleTwap. PnL fields are signed QUOTE amounts from each side's
// perspective. Cumulative deltas are the per-unit-base increments for the
// market's cumulative funding accumulators.
type Split struct {
	RateLong  fixed.FundingRate
	RateShort fixed.FundingRate

	PnLLong  fixed.Quote // positive: aggregate longs receive
	PnLShort fixed.Quote

	// FeePoolDelta is the fee pool's gain (positive) or subsidy (negative,
	// bounded by the configured budget).
	FeePoolDelta fixed.Quote

	CumulativeLongDelta  fixed.FundingRate
	CumulativeShortDelta fixed.FundingRate
}

// SettleEstimate computes one period's funding split for the market.
//
// Allocation: the clamped rate is weighted by each side's share of open
// notional (rate_side = r * 2*ownNotional / totalNotional), so the heavier
// side always carries the larger rate. When the receiving side's claim
// exceeds what the paying side put in, the fee pool tops it up; past the
// budget the receiving rate is reduced. By construction
// feePoolDelta + |payerPnL| == |receiverPnL|, so the solvency bound holds.
func SettleEstimate(cfg Config, a *market.AMM, feePoolBalance fixed.Quote) (*Split, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if a.FundingPaused {
		return nil, ErrFundingPaused
	}

	oracleTwap := a.HistoricalOracleData.LastOraclePriceTwap
	rate, err := ClampedRate(cfg, a.LastMarkPriceTwap, oracleTwap)
	if err != nil {
		return nil, err
	}

	longNotional, err := notional(a.BaseAssetAmountLong, oracleTwap)
	if err != nil {
		return nil, err
	}
	shortNotional, err := notional(a.BaseAssetAmountShort, oracleTwap)
	if err != nil {
		return nil, err
	}
	total := longNotional + shortNotional
	if total == 0 || rate == 0 {
		return &Split{}, nil
	}

	rateLong, err := fixed.MulDiv(int64(rate), 2*longNotional, total)
	if err != nil {
		return nil, err
	}
	rateShort, err := fixed.MulDiv(int64(rate), 2*shortNotional, total)
	if err != nil {
		return nil, err
	}

	// rate > 0: mark above oracle, longs pay shorts. rate < 0: mirrored.
	payNotional, recvNotional := longNotional, shortNotional
	payRate, recvRate := &rateLong, &rateShort
	if rate < 0 {
		payNotional, recvNotional = shortNotional, longNotional
		payRate, recvRate = &rateShort, &rateLong
	}

	paid, err := fixed.MulDiv(payNotional, fixed.AbsInt64(*payRate), fixed.FundingPrecision)
	if err != nil {
		return nil, err
	}
	received, err := fixed.MulDiv(recvNotional, fixed.AbsInt64(*recvRate), fixed.FundingPrecision)
	if err != nil {
		return nil, err
	}

	budget := fixed.MaxInt64(0, int64(feePoolBalance)/cfg.FeePoolShareDenom)
	if received > paid+budget {
		received = paid + budget
		if recvNotional > 0 {
			capped, err := fixed.MulDiv(received, fixed.FundingPrecision, recvNotional)
			if err != nil {
				return nil, err
			}
			*recvRate = capped * fixed.SignInt64(int64(rate))
		}
	}

	s := &Split{
		RateLong:     fixed.FundingRate(rateLong),
		RateShort:    fixed.FundingRate(rateShort),
		FeePoolDelta: fixed.Quote(paid - received),
	}
	if rate > 0 {
		s.PnLLong, s.PnLShort = fixed.Quote(-paid), fixed.Quote(received)
	} else {
		s.PnLLong, s.PnLShort = fixed.Quote(received), fixed.Quote(-paid)
	}

	s.CumulativeLongDelta, err = cumulativeDelta(s.RateLong, oracleTwap)
	if err != nil {
		return nil, err
	}
	s.CumulativeShortDelta, err = cumulativeDelta(s.RateShort, oracleTwap)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// notional values |base| at the oracle TWAP in QUOTE scale.
func notional(base fixed.Base, price fixed.Price) (int64, error) {
	return fixed.MulDiv(
		fixed.AbsInt64(int64(base)),
		int64(price),
		fixed.BaseToQuoteRatio*fixed.PricePrecision,
	)
}

// cumulativeDelta converts a fraction-of-notional rate into the per-unit-base
// accumulator increment: delta = rate * oracleTwap / PRICE, FUNDING scale.
// A position's payment over the increment is
// base * delta / (FUNDING * BASE-to-QUOTE).
func cumulativeDelta(rate fixed.FundingRate, oracleTwap fixed.Price) (fixed.FundingRate, error) {
	d, err := fixed.MulDiv(int64(rate), int64(oracleTwap), fixed.PricePrecision)
	if err != nil {
		return 0, err
	}
	return fixed.FundingRate(d), nil
}

// PositionFundingPayment is the signed QUOTE amount the position gains when
// the market's cumulative rate moves from the position's checkpoint to
// cumulativeNow. Positive delta with a long position means the long pays.
func PositionFundingPayment(cumulativeNow fixed.FundingRate, p *market.PerpPosition) (fixed.Quote, error) {
	delta := int64(cumulativeNow) - int64(p.LastCumulativeFundingRate)
	if delta == 0 || p.IsFlat() {
		return 0, nil
	}
	pnl, err := fixed.MulDiv(
		-delta,
		int64(p.BaseAssetAmount),
		fixed.FundingPrecision*fixed.BaseToQuoteRatio,
	)
	if err != nil {
		return 0, err
	}
	return fixed.Quote(pnl), nil
}
