// Package spot implements the kinked utilization/interest model for spot
// lending markets and the scaled-balance/token conversions. All rounding goes
// against the user and in favor of the protocol: borrow interest rounds up,
// deposit interest rounds down, and the gap lands in the revenue pool.
package spot

import (
	"fmt"

	"PerpQuote/internal/fixed"
	"PerpQuote/internal/market"
)

const secondsPerYear = 31_536_000

// Utilization is borrowed tokens over deposited tokens, SPOT UTILIZATION
// scale. Never clamped: a market whose borrows outgrow deposits through
// interest reads above 100% and the rate curve extrapolates accordingly.
func Utilization(m *market.SpotMarket) (fixed.Util, error) {
	depositTokens, err := TokenAmount(m.DepositBalance, m.CumulativeDepositInterest, m.Decimals, market.Deposit)
	if err != nil {
		return 0, err
	}
	borrowTokens, err := TokenAmount(m.BorrowBalance, m.CumulativeBorrowInterest, m.Decimals, market.Borrow)
	if err != nil {
		return 0, err
	}

	if depositTokens == 0 {
		if borrowTokens == 0 {
			return 0, nil
		}
		return fixed.Util(fixed.SpotUtilPrecision), nil
	}
	util, err := fixed.MulDiv(int64(borrowTokens), fixed.SpotUtilPrecision, int64(depositTokens))
	if err != nil {
		return 0, err
	}
	return fixed.Util(util), nil
}

// BorrowRate evaluates the two-segment rate curve at the market's current
// utilization: linear to (optimalUtilization, optimalRate), then a steeper
// segment through (100%, maxRate). Past 100% the second segment keeps
// extrapolating.
func BorrowRate(m *market.SpotMarket) (fixed.Rate, error) {
	util, err := Utilization(m)
	if err != nil {
		return 0, err
	}
	return borrowRateAt(m, util)
}

func borrowRateAt(m *market.SpotMarket, util fixed.Util) (fixed.Rate, error) {
	if util <= m.OptimalUtilization {
		rate, err := fixed.MulDiv(int64(m.OptimalBorrowRate), int64(util), int64(m.OptimalUtilization))
		if err != nil {
			return 0, err
		}
		return fixed.Rate(rate), nil
	}

	surplusUtil := int64(util) - int64(m.OptimalUtilization)
	slopeDenom := fixed.SpotUtilPrecision - int64(m.OptimalUtilization)
	extra, err := fixed.MulDiv(int64(m.MaxBorrowRate)-int64(m.OptimalBorrowRate), surplusUtil, slopeDenom)
	if err != nil {
		return 0, err
	}
	return m.OptimalBorrowRate + fixed.Rate(extra), nil
}

// DepositRate is the borrow rate passed through to depositors, weighted by
// utilization and net of the reserve factor.
func DepositRate(m *market.SpotMarket) (fixed.Rate, error) {
	util, err := Utilization(m)
	if err != nil {
		return 0, err
	}
	borrowRate, err := borrowRateAt(m, util)
	if err != nil {
		return 0, err
	}

	gross, err := fixed.MulDiv(int64(borrowRate), int64(util), fixed.SpotUtilPrecision)
	if err != nil {
		return 0, err
	}
	net, err := fixed.MulDiv(gross, fixed.SpotRatePrecision-int64(m.ReserveFactor), fixed.SpotRatePrecision)
	if err != nil {
		return 0, err
	}
	return fixed.Rate(net), nil
}

// InterestAccrual is the result of accruing interest from the market's last
// accrual timestamp to now. The input market is never mutated.
type InterestAccrual struct {
	CumulativeDepositInterest fixed.Interest
	CumulativeBorrowInterest  fixed.Interest

	DepositDelta fixed.Interest
	BorrowDelta  fixed.Interest

	// RevenueTokenDelta is the token amount the spread between borrow and
	// deposit interest adds to the revenue pool.
	RevenueTokenDelta fixed.Quote
}

// InterestAccumulated accrues the rate curve over nowTs - LastInterestTs.
// Borrow interest rounds up so any nonzero rate over a nonzero interval
// strictly grows the borrow index; deposit interest rounds down.
func InterestAccumulated(m *market.SpotMarket, nowTs int64) (*InterestAccrual, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	elapsed := nowTs - m.LastInterestTs
	if elapsed < 0 {
		return nil, fmt.Errorf("interest accrual: clock went backwards (%d < %d): %w",
			nowTs, m.LastInterestTs, fixed.ErrDivideByZero)
	}

	out := &InterestAccrual{
		CumulativeDepositInterest: m.CumulativeDepositInterest,
		CumulativeBorrowInterest:  m.CumulativeBorrowInterest,
	}
	if elapsed == 0 {
		return out, nil
	}

	util, err := Utilization(m)
	if err != nil {
		return nil, err
	}
	borrowRate, err := borrowRateAt(m, util)
	if err != nil {
		return nil, err
	}
	depositRate, err := DepositRate(m)
	if err != nil {
		return nil, err
	}

	borrowDelta, err := interestDelta(m.CumulativeBorrowInterest, borrowRate, elapsed, true)
	if err != nil {
		return nil, err
	}
	depositDelta, err := interestDelta(m.CumulativeDepositInterest, depositRate, elapsed, false)
	if err != nil {
		return nil, err
	}

	out.BorrowDelta = borrowDelta
	out.DepositDelta = depositDelta
	out.CumulativeBorrowInterest += borrowDelta
	out.CumulativeDepositInterest += depositDelta

	borrowTokens, err := TokenAmount(m.BorrowBalance, borrowDelta, m.Decimals, market.Deposit)
	if err != nil {
		return nil, err
	}
	depositTokens, err := TokenAmount(m.DepositBalance, depositDelta, m.Decimals, market.Deposit)
	if err != nil {
		return nil, err
	}
	out.RevenueTokenDelta = fixed.Quote(fixed.MaxInt64(0, int64(borrowTokens)-int64(depositTokens)))
	return out, nil
}

// interestDelta grows a cumulative index by rate over elapsed seconds:
// index * rate * elapsed / year, in INTEREST scale.
func interestDelta(index fixed.Interest, rate fixed.Rate, elapsed int64, roundUp bool) (fixed.Interest, error) {
	if rate == 0 {
		return 0, nil
	}
	numer := fixed.MulBN(fixed.BN(int64(index)), fixed.BN(int64(rate)), fixed.BN(elapsed))
	denom := fixed.BN(int64(fixed.SpotRatePrecision) * secondsPerYear)

	var q = fixed.DivBN(numer, denom)
	if roundUp {
		q = fixed.DivCeilBN(numer, denom)
	}
	delta, err := fixed.Int64BN(q)
	if err != nil {
		return 0, err
	}
	return fixed.Interest(delta), nil
}

// pow10 for the scaled-balance precision bridge; decimals validated <= 19.
var pow10 = [20]int64{
	1, 10, 100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000, 100_000_000,
	1_000_000_000, 10_000_000_000, 100_000_000_000, 1_000_000_000_000,
	10_000_000_000_000, 100_000_000_000_000, 1_000_000_000_000_000,
	10_000_000_000_000_000, 100_000_000_000_000_000, 1_000_000_000_000_000_000,
	0, // 10^19 overflows int64; decimals 0 is rejected by Validate
}

// precisionBridge is SPOT BALANCE * INTEREST / 10^decimals: the divisor that
// takes scaled*interest to token units.
func precisionBridge(decimals uint8) (int64, error) {
	// 19 = log10(SpotBalancePrecision * InterestPrecision)
	if decimals == 0 || decimals > 19 {
		return 0, fmt.Errorf("precision bridge: unsupported decimals %d: %w", decimals, fixed.ErrDivideByZero)
	}
	return pow10[19-decimals], nil
}

// TokenAmount converts a scaled balance to token units through the cumulative
// interest index. Deposits round down (protocol keeps the dust), borrows
// round up (debt never under-counted).
func TokenAmount(scaled fixed.Shares, index fixed.Interest, decimals uint8, bt market.BalanceType) (fixed.Quote, error) {
	bridge, err := precisionBridge(decimals)
	if err != nil {
		return 0, err
	}
	var amount int64
	if bt == market.Borrow {
		amount, err = fixed.MulDivUp(int64(scaled), int64(index), bridge)
	} else {
		amount, err = fixed.MulDiv(int64(scaled), int64(index), bridge)
	}
	if err != nil {
		return 0, err
	}
	return fixed.Quote(amount), nil
}

// ScaledBalance converts token units to a scaled balance. Deposit credits
// round down, borrow debits round up.
func ScaledBalance(tokens fixed.Quote, index fixed.Interest, decimals uint8, bt market.BalanceType) (fixed.Shares, error) {
	bridge, err := precisionBridge(decimals)
	if err != nil {
		return 0, err
	}
	if index <= 0 {
		return 0, fmt.Errorf("scaled balance: interest index %d: %w", index, fixed.ErrDivideByZero)
	}
	var scaled int64
	if bt == market.Borrow {
		scaled, err = fixed.MulDivUp(int64(tokens), bridge, int64(index))
	} else {
		scaled, err = fixed.MulDiv(int64(tokens), bridge, int64(index))
	}
	if err != nil {
		return 0, err
	}
	return fixed.Shares(scaled), nil
}
