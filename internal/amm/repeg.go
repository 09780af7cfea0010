package amm

import (
	"fmt"
	"math/big"

	"PerpQuote/internal/fixed"
	"PerpQuote/internal/market"
	"PerpQuote/internal/oracle"
)

// kShrinkNumer/kShrinkDenom is the liquidity haircut applied when the repeg
// budget cannot cover the full move: shrinking k realizes a small gain on the
// AMM's inventory that tops the budget up.
const (
	kShrinkNumer = 999
	kShrinkDenom = 1000
)

// PegFromTarget solves for the peg that makes the mark price equal
// targetPrice while holding both reserves fixed. Rounds half-up in PEG units.
func PegFromTarget(targetPrice fixed.Price, baseReserve, quoteReserve fixed.Base) (fixed.Peg, error) {
	if quoteReserve <= 0 {
		return 0, fmt.Errorf("peg from target: quote reserve %d: %w", quoteReserve, fixed.ErrDivideByZero)
	}
	scaled := fixed.DivBN(
		fixed.MulBN(fixed.BN(int64(targetPrice)), fixed.BN(int64(baseReserve))),
		fixed.BN(int64(quoteReserve)),
	)
	peg := fixed.DivBN(
		fixed.AddBN(scaled, fixed.BN(fixed.PriceDivPeg/2)),
		fixed.BN(fixed.PriceDivPeg),
	)
	out, err := fixed.Int64BN(peg)
	if err != nil {
		return 0, err
	}
	return fixed.Peg(fixed.MaxInt64(1, out)), nil
}

// RepegCost is the change in terminal quote value from moving the peg: the
// AMM pays (positive cost) to mark its inventory at the new peg.
func RepegCost(a *market.AMM, newPeg fixed.Peg) (fixed.Quote, error) {
	terminal, err := TerminalQuoteReserve(a)
	if err != nil {
		return 0, err
	}
	dqar := fixed.SubBN(fixed.BN(int64(a.QuoteAssetReserve)), terminal)
	cost := fixed.DivBN(
		fixed.MulBN(dqar, fixed.BN(int64(newPeg)-int64(a.PegMultiplier))),
		fixed.BN(fixed.BaseToQuoteRatio),
		fixed.BN(fixed.PegPrecision),
	)
	out, err := fixed.Int64BN(cost)
	if err != nil {
		return 0, err
	}
	return fixed.Quote(out), nil
}

// AdjustKCost prices a k rescale by numer/denom: the change in the value the
// AMM owes its net inventory when curve depth changes. Negative cost means
// the AMM gains (shrinking k against its inventory).
func AdjustKCost(a *market.AMM, numer, denom int64) (fixed.Quote, error) {
	if denom == 0 {
		return 0, fixed.ErrDivideByZero
	}
	x := fixed.BN(int64(a.BaseAssetReserve))
	y := fixed.BN(int64(a.QuoteAssetReserve))
	d := fixed.BN(int64(a.BaseAssetAmountWithAMM))
	q := fixed.BN(int64(a.PegMultiplier))

	// cost = y*d*Q * [1/(x+d) - p/(x*p/PRICE + d)] / ratio scales, where p is
	// the rescale fraction in PRICE precision.
	p := fixed.DivBN(fixed.MulBN(fixed.BN(numer), fixed.BN(fixed.PricePrecision)), fixed.BN(denom))
	ydq := fixed.MulBN(y, d, q)

	xPlusD := fixed.AddBN(x, d)
	if xPlusD.Sign() == 0 {
		return 0, fixed.ErrDivideByZero
	}
	term1 := fixed.DivBN(ydq, xPlusD)

	xpPlusD := fixed.AddBN(fixed.DivBN(fixed.MulBN(x, p), fixed.BN(fixed.PricePrecision)), d)
	if xpPlusD.Sign() == 0 {
		return 0, fixed.ErrDivideByZero
	}
	term2 := fixed.DivBN(fixed.MulBN(ydq, p), fixed.BN(fixed.PricePrecision), xpPlusD)

	cost := fixed.DivBN(
		fixed.SubBN(term1, term2),
		fixed.BN(fixed.BaseToQuoteRatio),
		fixed.BN(fixed.PegPrecision),
	)
	out, err := fixed.Int64BN(fixed.NegBN(cost))
	if err != nil {
		return 0, err
	}
	return fixed.Quote(out), nil
}

// BudgetedPeg moves the peg toward targetPrice as far as budget allows. When
// the peg change direction itself earns quote (cost negative), the full
// target peg is used.
func BudgetedPeg(a *market.AMM, budget fixed.Quote, targetPrice fixed.Price) (fixed.Peg, error) {
	terminal, err := TerminalQuoteReserve(a)
	if err != nil {
		return 0, err
	}
	perPegCost := fixed.DivBN(
		fixed.SubBN(fixed.BN(int64(a.QuoteAssetReserve)), terminal),
		fixed.BN(fixed.BasePrecision/fixed.PricePrecision),
	)
	// Nudge away from zero so the budget division cannot overshoot.
	switch perPegCost.Sign() {
	case 1:
		perPegCost = fixed.AddBN(perPegCost, fixed.BN(1))
	case -1:
		perPegCost = fixed.SubBN(perPegCost, fixed.BN(1))
	}

	targetPeg, err := PegFromTarget(targetPrice, a.BaseAssetReserve, a.QuoteAssetReserve)
	if err != nil {
		return 0, err
	}

	pegChange := int64(targetPeg) - int64(a.PegMultiplier)
	usesBudgetDirection := (perPegCost.Sign() < 0 && pegChange > 0) ||
		(perPegCost.Sign() > 0 && pegChange < 0)
	if perPegCost.Sign() == 0 || usesBudgetDirection {
		return targetPeg, nil
	}

	budgetDeltaPeg := fixed.DivBN(
		fixed.MulBN(fixed.BN(int64(budget)), fixed.BN(fixed.PegPrecision)),
		perPegCost,
	)
	newPeg := fixed.AddBN(fixed.BN(int64(a.PegMultiplier)), budgetDeltaPeg)
	out, err := fixed.Int64BN(newPeg)
	if err != nil {
		return 0, err
	}
	// Budget may exceed the move's cost; never step past the target.
	if pegChange > 0 {
		out = fixed.MinInt64(out, int64(targetPeg))
	} else {
		out = fixed.MaxInt64(out, int64(targetPeg))
	}
	return fixed.Peg(fixed.MaxInt64(1, out)), nil
}

// OptimalPegAndBudget picks the repeg target and spendable budget. The budget
// is fee-pool surplus above half the lifetime exchange fee; when it cannot
// cover the full move the target retreats to within half the max spread of
// the current mark, enforcing max-spread protection instead of an
// unconstrained repeg.
func OptimalPegAndBudget(a *market.AMM, d *oracle.PriceData) (fixed.Price, fixed.Peg, fixed.Quote, error) {
	reservePrice, err := ReservePrice(a)
	if err != nil {
		return 0, 0, 0, err
	}
	targetPrice := d.Price

	newPeg, err := PegFromTarget(targetPrice, a.BaseAssetReserve, a.QuoteAssetReserve)
	if err != nil {
		return 0, 0, 0, err
	}
	prePegCost, err := RepegCost(a, newPeg)
	if err != nil {
		return 0, 0, 0, err
	}

	feeLowerBound := int64(a.TotalExchangeFee) / 2
	budget := fixed.Quote(fixed.MaxInt64(0, int64(a.TotalFeeMinusDistributions)-feeLowerBound))

	if int64(budget) < int64(prePegCost) {
		halfMaxPriceSpread, err := fixed.MulDiv(int64(a.MaxSpread)/2, int64(targetPrice), fixed.PctPrecision)
		if err != nil {
			return 0, 0, 0, err
		}
		targetPriceGap := int64(reservePrice) - int64(targetPrice)

		if fixed.AbsInt64(targetPriceGap) > halfMaxPriceSpread {
			markAdj := fixed.AbsInt64(targetPriceGap) - halfMaxPriceSpread
			newTargetPrice := int64(reservePrice) - markAdj
			if targetPriceGap < 0 {
				newTargetPrice = int64(reservePrice) + markAdj
			}
			newOptimalPeg, err := PegFromTarget(fixed.Price(newTargetPrice), a.BaseAssetReserve, a.QuoteAssetReserve)
			if err != nil {
				return 0, 0, 0, err
			}
			newBudget, err := RepegCost(a, newOptimalPeg)
			if err != nil {
				return 0, 0, 0, err
			}
			return fixed.Price(newTargetPrice), newOptimalPeg, newBudget, nil
		}
	}

	return targetPrice, newPeg, budget, nil
}

// UpdatedAMM computes the prepegged curve: a fresh AMM whose peg (and, when
// the budget falls short, k) has been moved toward the oracle, with the cost
// charged against TotalFeeMinusDistributions. Pure: the input AMM is never
// mutated, and identical inputs yield identical outputs.
func UpdatedAMM(a *market.AMM, d *oracle.PriceData) (*market.AMM, fixed.Quote, error) {
	if err := a.Validate(); err != nil {
		return nil, 0, err
	}

	out := *a
	if a.CurveUpdateIntensity == 0 || d == nil {
		return &out, 0, nil
	}

	targetPrice, newPeg, budget, err := OptimalPegAndBudget(a, d)
	if err != nil {
		return nil, 0, err
	}
	prePegCost, err := RepegCost(a, newPeg)
	if err != nil {
		return nil, 0, err
	}

	kNumer, kDenom := int64(1), int64(1)
	if int64(prePegCost) >= int64(budget) && prePegCost > 0 {
		kNumer, kDenom = kShrinkNumer, kShrinkDenom
		deficitMadeup, err := AdjustKCost(a, kNumer, kDenom)
		if err != nil {
			return nil, 0, err
		}
		if deficitMadeup > 0 {
			return nil, 0, fmt.Errorf("k shrink produced positive cost %d: %w", deficitMadeup, ErrInvariantViolation)
		}
		prePegCost = budget + fixed.Quote(fixed.AbsInt64(int64(deficitMadeup)))

		scaled := *a
		if err := rescaleK(&scaled, kNumer, kDenom); err != nil {
			return nil, 0, err
		}
		if err := refreshTerminal(&scaled); err != nil {
			return nil, 0, err
		}
		newPeg, err = BudgetedPeg(&scaled, prePegCost, targetPrice)
		if err != nil {
			return nil, 0, err
		}
		prePegCost, err = RepegCost(&scaled, newPeg)
		if err != nil {
			return nil, 0, err
		}
	}

	if err := rescaleK(&out, kNumer, kDenom); err != nil {
		return nil, 0, err
	}
	out.PegMultiplier = newPeg
	if err := refreshTerminal(&out); err != nil {
		return nil, 0, err
	}

	out.TotalFeeMinusDistributions -= prePegCost
	out.NetRevenueSinceLastFunding -= prePegCost

	if err := CheckInvariant(&out); err != nil {
		return nil, 0, err
	}
	return &out, prePegCost, nil
}

// rescaleK scales sqrtK and the base reserve by numer/denom and re-derives
// the quote reserve from the invariant.
func rescaleK(a *market.AMM, numer, denom int64) error {
	if numer == 1 && denom == 1 {
		return nil
	}
	newBase := fixed.DivBN(fixed.MulBN(fixed.BN(int64(a.BaseAssetReserve)), fixed.BN(numer)), fixed.BN(denom))
	newSqrtK := fixed.DivBN(fixed.MulBN(fixed.BN(int64(a.SqrtK)), fixed.BN(numer)), fixed.BN(denom))
	newQuote := fixed.DivBN(fixed.MulBN(newSqrtK, newSqrtK), newBase)

	base, err := fixed.Int64BN(newBase)
	if err != nil {
		return err
	}
	sqrtK, err := fixed.Int64BN(newSqrtK)
	if err != nil {
		return err
	}
	quote, err := fixed.Int64BN(newQuote)
	if err != nil {
		return err
	}
	a.BaseAssetReserve = fixed.Base(base)
	a.SqrtK = fixed.Base(sqrtK)
	a.QuoteAssetReserve = fixed.Base(quote)
	return nil
}

// refreshTerminal recomputes the terminal quote reserve after any curve
// change.
func refreshTerminal(a *market.AMM) error {
	terminal, err := TerminalQuoteReserve(a)
	if err != nil {
		return err
	}
	t, err := fixed.Int64BN(terminal)
	if err != nil {
		return err
	}
	a.TerminalQuoteAssetReserve = fixed.Base(t)
	return nil
}

// pegBig is a convenience for spread/effective-leverage math.
func pegBig(a *market.AMM) *big.Int {
	return fixed.BN(int64(a.PegMultiplier))
}
