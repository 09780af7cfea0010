package amm

import (
	"fmt"
	"math/big"

	"PerpQuote/internal/fixed"
	"PerpQuote/internal/market"
)

const (
	// maxInventorySkewFactor bounds how much full inventory utilization can
	// multiply the directional spread.
	maxInventorySkewFactor = 5

	// largeSpreadFactor multiplies both sides when the fee buffer is
	// exhausted (TotalFeeMinusDistributions <= 0).
	largeSpreadFactor = 10
)

// SpreadInput is the per-call context for spread and bid/ask computation.
// All fields are required.
type SpreadInput struct {
	ReservePrice fixed.Price
	OraclePrice  fixed.Price
	ConfPct      fixed.Pct

	// Margin ratios of the owning market, MARGIN scale. The spread sum may
	// never exceed the initial/maintenance gap.
	MarginRatioInitial     int64
	MarginRatioMaintenance int64
}

func (in *SpreadInput) validate() error {
	if in.ReservePrice <= 0 || in.OraclePrice <= 0 {
		return fmt.Errorf("spread input: non-positive price (reserve=%d oracle=%d): %w",
			in.ReservePrice, in.OraclePrice, fixed.ErrDivideByZero)
	}
	if in.MarginRatioInitial <= in.MarginRatioMaintenance {
		return fmt.Errorf("spread input: margin gap empty (initial=%d maintenance=%d): %w",
			in.MarginRatioInitial, in.MarginRatioMaintenance, ErrInvariantViolation)
	}
	return nil
}

// InventoryScalePct measures how loaded the curve is in the direction of its
// net inventory: |net| over the larger distance to a reserve bound, clamped
// to [0, 100%] in PERCENTAGE scale.
func InventoryScalePct(a *market.AMM) fixed.Pct {
	net := fixed.AbsInt64(int64(a.BaseAssetAmountWithAMM))
	if net == 0 {
		return 0
	}
	room := fixed.MaxInt64(
		int64(a.BaseAssetReserve)-int64(a.MinBaseAssetReserve),
		int64(a.MaxBaseAssetReserve)-int64(a.BaseAssetReserve),
	)
	if room <= 0 {
		return fixed.Pct(fixed.PctPrecision)
	}
	scale, err := fixed.MulDiv(net, fixed.PctPrecision, room)
	if err != nil {
		return fixed.Pct(fixed.PctPrecision)
	}
	return fixed.Pct(fixed.ClampInt64(scale, 0, fixed.PctPrecision))
}

// EffectiveLeverage relates the AMM's unhedged inventory value to its
// fee-funded buffer, in PERCENTAGE scale (PctPrecision == 1x).
func EffectiveLeverage(a *market.AMM, reservePrice fixed.Price) (fixed.Pct, error) {
	terminal, err := TerminalQuoteReserve(a)
	if err != nil {
		return 0, err
	}

	netBaseValue := fixed.DivBN(
		fixed.MulBN(
			fixed.SubBN(fixed.BN(int64(a.QuoteAssetReserve)), terminal),
			pegBig(a),
		),
		fixed.BN(fixed.BaseTimesPegToQuoteRatio),
	)
	localBaseValue := fixed.DivBN(
		fixed.MulBN(fixed.BN(int64(a.BaseAssetAmountWithAMM)), fixed.BN(int64(reservePrice))),
		fixed.BN(fixed.BaseToQuoteRatio),
		fixed.BN(fixed.PricePrecision),
	)

	exposure := fixed.SubBN(localBaseValue, netBaseValue)
	if exposure.Sign() < 0 {
		exposure = fixed.BN(0)
	}
	buffer := fixed.MaxInt64(0, int64(a.TotalFeeMinusDistributions)) + 1

	lev := fixed.DivBN(
		fixed.MulBN(exposure, fixed.BN(fixed.PctPrecision)),
		fixed.BN(buffer),
	)
	out, err := fixed.Int64BN(lev)
	if err != nil {
		return 0, err
	}
	return fixed.Pct(out), nil
}

// Spread computes (longSpread, shortSpread) in PERCENTAGE scale.
//
// Composition order: volatility floor, oracle-divergence widening, inventory
// and effective-leverage scaling on the inventory side, fee-buffer blowout,
// then the cap. Divergence minimums survive the cap so the bid/ask bracket
// around the oracle holds unconditionally.
func Spread(a *market.AMM, in SpreadInput) (fixed.Pct, fixed.Pct, error) {
	if err := in.validate(); err != nil {
		return 0, 0, err
	}

	volSpread := fixed.MaxInt64(int64(a.BaseSpread)/2, int64(in.ConfPct))
	longSpread, shortSpread := volSpread, volSpread

	// Minimum widening so reserve*(1-short) <= oracle <= reserve*(1+long).
	// Rounded up: the bracket is a hard invariant, the cap is not allowed to
	// undo it.
	divLong, divShort, err := divergenceMinimums(in.ReservePrice, in.OraclePrice)
	if err != nil {
		return 0, 0, err
	}
	longSpread = fixed.MaxInt64(longSpread, divLong)
	shortSpread = fixed.MaxInt64(shortSpread, divShort)

	// Scale the side that would grow inventory further.
	invScale := int64(InventoryScalePct(a))
	effLev, err := EffectiveLeverage(a, in.ReservePrice)
	if err != nil {
		return 0, 0, err
	}
	scale := fixed.PctPrecision +
		invScale*(maxInventorySkewFactor-1) +
		fixed.MinInt64(int64(effLev), (largeSpreadFactor-1)*fixed.PctPrecision)

	switch fixed.SignInt64(int64(a.BaseAssetAmountWithAMM)) {
	case 1:
		longSpread, err = fixed.MulDivUp(longSpread, scale, fixed.PctPrecision)
	case -1:
		shortSpread, err = fixed.MulDivUp(shortSpread, scale, fixed.PctPrecision)
	}
	if err != nil {
		return 0, 0, err
	}

	if a.TotalFeeMinusDistributions <= 0 {
		longSpread *= largeSpreadFactor
		shortSpread *= largeSpreadFactor
	}

	long, short, err := capSpreads(a, in, longSpread, shortSpread, divLong, divShort)
	if err != nil {
		return 0, 0, err
	}
	return fixed.Pct(long), fixed.Pct(short), nil
}

// divergenceMinimums returns the smallest (longSpread, shortSpread) that
// bracket the oracle, rounded against the taker.
func divergenceMinimums(reservePrice, oraclePrice fixed.Price) (int64, int64, error) {
	gap := int64(oraclePrice) - int64(reservePrice)
	if gap > 0 {
		min, err := fixed.MulDivUp(gap, fixed.PctPrecision, int64(reservePrice))
		return min, 0, err
	}
	if gap < 0 {
		min, err := fixed.MulDivUp(-gap, fixed.PctPrecision, int64(reservePrice))
		return 0, min, err
	}
	return 0, 0, nil
}

// capSpreads shrinks the excess above the divergence minimums so the sum
// stays within min(MaxSpread, margin gap). The larger side absorbs the
// rounding remainder.
func capSpreads(a *market.AMM, in SpreadInput, long, short, divLong, divShort int64) (int64, int64, error) {
	marginGapPct := (in.MarginRatioInitial - in.MarginRatioMaintenance) *
		(fixed.PctPrecision / fixed.MarginPrecision)
	cap := fixed.MinInt64(int64(a.MaxSpread), marginGapPct)

	if divLong+divShort > cap {
		return 0, 0, fmt.Errorf(
			"oracle divergence %d+%d exceeds spread cap %d: %w",
			divLong, divShort, cap, ErrInvariantViolation)
	}
	total := long + short
	if total <= cap {
		return long, short, nil
	}

	excessBudget := cap - divLong - divShort
	excessLong := long - divLong
	excessShort := short - divShort
	excessTotal := excessLong + excessShort

	scaledLong, err := fixed.MulDiv(excessLong, excessBudget, excessTotal)
	if err != nil {
		return 0, 0, err
	}
	scaledShort, err := fixed.MulDiv(excessShort, excessBudget, excessTotal)
	if err != nil {
		return 0, 0, err
	}
	long = divLong + scaledLong
	short = divShort + scaledShort

	// Flooring both sides can leave slack; give it to the wider side.
	if slack := cap - long - short; slack > 0 {
		if long >= short {
			long += slack
		} else {
			short += slack
		}
	}
	return long, short, nil
}

// SpreadReserves shifts half the directional spread onto the quote reserve
// and re-derives the base reserve from k, giving the curve a taker actually
// trades against.
func SpreadReserves(a *market.AMM, d Direction) (*big.Int, *big.Int, error) {
	spread := int64(a.LongSpread)
	if d == Short {
		spread = -int64(a.ShortSpread)
	}

	quote := fixed.DivBN(
		fixed.MulBN(fixed.BN(int64(a.QuoteAssetReserve)), fixed.BN(fixed.PctPrecision+spread/2)),
		fixed.BN(fixed.PctPrecision),
	)
	if quote.Sign() <= 0 {
		return nil, nil, fmt.Errorf("spread reserves: quote collapsed: %w", ErrInvariantViolation)
	}
	base := fixed.DivBN(Invariant(a), quote)
	return quote, base, nil
}

// BidAskPrice applies the computed spreads to the reserve price. The returned
// prices always bracket the oracle.
func BidAskPrice(a *market.AMM, in SpreadInput) (fixed.Price, fixed.Price, error) {
	long, short, err := Spread(a, in)
	if err != nil {
		return 0, 0, err
	}

	bid, err := fixed.MulDiv(int64(in.ReservePrice), fixed.PctPrecision-int64(short), fixed.PctPrecision)
	if err != nil {
		return 0, 0, err
	}
	ask, err := fixed.MulDivUp(int64(in.ReservePrice), fixed.PctPrecision+int64(long), fixed.PctPrecision)
	if err != nil {
		return 0, 0, err
	}

	if bid > int64(in.OraclePrice) || ask < int64(in.OraclePrice) {
		return 0, 0, fmt.Errorf("bid %d / ask %d do not bracket oracle %d: %w",
			bid, ask, in.OraclePrice, ErrInvariantViolation)
	}
	if bid > ask {
		return 0, 0, fmt.Errorf("bid %d above ask %d: %w", bid, ask, ErrInvariantViolation)
	}
	return fixed.Price(bid), fixed.Price(ask), nil
}

// QuoteAssetAmountSurplus fills baseAmount (reserve units, non-negative) in
// the given direction against the spread curve and reports the QUOTE-scale
// fill cost plus the surplus versus the no-spread curve. The surplus is what
// fill accounting routes to the fee pool.
func QuoteAssetAmountSurplus(a *market.AMM, d Direction, baseAmount *big.Int) (fixed.Quote, fixed.Quote, error) {
	if baseAmount.Sign() < 0 {
		return 0, 0, fmt.Errorf("fill amount must be non-negative: %w", ErrInvariantViolation)
	}
	swapDir := SwapDirectionFor(d)

	quoteNoSpread, _, err := ReservesAfterBaseSwap(a, baseAmount, swapDir)
	if err != nil {
		return 0, 0, err
	}
	deltaNoSpread := fixed.AbsBN(fixed.SubBN(fixed.BN(int64(a.QuoteAssetReserve)), quoteNoSpread))

	spreadQuote, spreadBase, err := SpreadReserves(a, d)
	if err != nil {
		return 0, 0, err
	}
	_, quoteWithSpread, err := SwapOutput(spreadBase, baseAmount, swapDir, fixed.MulBN(spreadQuote, spreadBase))
	if err != nil {
		return 0, 0, err
	}
	deltaWithSpread := fixed.AbsBN(fixed.SubBN(spreadQuote, quoteWithSpread))

	// Quote-reserve deltas to QUOTE scale: the fill rounds against the taker,
	// the surplus reference does not.
	fillDir := SwapRemove
	if d == Short {
		fillDir = SwapAdd
	}
	fill := QuoteAmountForReserveDelta(deltaWithSpread, a.PegMultiplier, fillDir)
	reference := QuoteAmountForReserveDelta(deltaNoSpread, a.PegMultiplier, SwapAdd)

	surplus := fixed.AbsBN(fixed.SubBN(fill, reference))
	fillQuote, err := fixed.Int64BN(fill)
	if err != nil {
		return 0, 0, err
	}
	surplusQuote, err := fixed.Int64BN(surplus)
	if err != nil {
		return 0, 0, err
	}
	return fixed.Quote(fillQuote), fixed.Quote(surplusQuote), nil
}
