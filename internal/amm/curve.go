// Package amm implements the virtual constant-product curve: pricing, swaps,
// the oracle-tracking repeg and the bid/ask spread model. All computations
// are integer-only; identical inputs produce bit-identical outputs.
package amm

import (
	"errors"
	"fmt"
	"math/big"

	"PerpQuote/internal/fixed"
	"PerpQuote/internal/market"
)

// ErrInvariantViolation means curve state drifted outside tolerance (k drift,
// bid above ask, spread sum above cap). Always a bug or corrupt snapshot,
// never recoverable by retrying.
var ErrInvariantViolation = errors.New("amm: invariant violation")

// SwapDirection says whether the swap adds to or removes from the input
// asset's reserve.
type SwapDirection int32

const (
	SwapAdd SwapDirection = iota
	SwapRemove
)

// Direction is the taker's position direction for a fill.
type Direction int32

const (
	Long Direction = iota
	Short
)

func (d Direction) String() string {
	if d == Short {
		return "short"
	}
	return "long"
}

// ReservePrice is the AMM mark price: quoteReserve * peg / baseReserve,
// expressed in PRICE scale.
func ReservePrice(a *market.AMM) (fixed.Price, error) {
	if a.BaseAssetReserve <= 0 {
		return 0, fmt.Errorf("reserve price: base reserve %d: %w", a.BaseAssetReserve, fixed.ErrDivideByZero)
	}
	p := fixed.DivBN(
		fixed.MulBN(fixed.BN(int64(a.QuoteAssetReserve)), fixed.BN(fixed.PricePrecision), fixed.BN(int64(a.PegMultiplier))),
		fixed.BN(fixed.PegPrecision),
		fixed.BN(int64(a.BaseAssetReserve)),
	)
	out, err := fixed.Int64BN(p)
	if err != nil {
		return 0, err
	}
	return fixed.Price(fixed.MaxInt64(1, out)), nil
}

// Invariant returns k = sqrtK^2.
func Invariant(a *market.AMM) *big.Int {
	k := fixed.BN(int64(a.SqrtK))
	return fixed.MulBN(k, k)
}

// CheckInvariant verifies sqrtK^2 == baseReserve*quoteReserve within one unit
// of integer rounding on sqrtK.
func CheckInvariant(a *market.AMM) error {
	prod := fixed.MulBN(fixed.BN(int64(a.BaseAssetReserve)), fixed.BN(int64(a.QuoteAssetReserve)))
	root := fixed.SqrtBN(prod)
	drift := fixed.AbsBN(fixed.SubBN(root, fixed.BN(int64(a.SqrtK))))
	if drift.Cmp(fixed.BN(1)) > 0 {
		return fmt.Errorf("k drift %s units (sqrtK=%d): %w", drift, a.SqrtK, ErrInvariantViolation)
	}
	return nil
}

// SwapOutput walks the constant-product curve: moves swapAmount in or out of
// the input reserve and rebalances the output reserve to hold k.
func SwapOutput(inputReserve, swapAmount *big.Int, direction SwapDirection, invariant *big.Int) (*big.Int, *big.Int, error) {
	var newInput *big.Int
	if direction == SwapAdd {
		newInput = fixed.AddBN(inputReserve, swapAmount)
	} else {
		newInput = fixed.SubBN(inputReserve, swapAmount)
	}
	if newInput.Sign() <= 0 {
		return nil, nil, fmt.Errorf("swap drains reserve: %w", fixed.ErrDivideByZero)
	}
	newOutput := fixed.DivBN(invariant, newInput)
	return newInput, newOutput, nil
}

// SwapDirectionFor maps a taker direction onto the base reserve: a long
// removes base from the curve, a short adds it.
func SwapDirectionFor(d Direction) SwapDirection {
	if d == Long {
		return SwapRemove
	}
	return SwapAdd
}

// ReservesAfterBaseSwap returns (newQuoteReserve, newBaseReserve) after
// swapping baseAmount (reserve units, non-negative) in the given direction.
func ReservesAfterBaseSwap(a *market.AMM, baseAmount *big.Int, direction SwapDirection) (*big.Int, *big.Int, error) {
	if baseAmount.Sign() < 0 {
		return nil, nil, fmt.Errorf("swap amount must be non-negative: %w", ErrInvariantViolation)
	}
	newBase, newQuote, err := SwapOutput(fixed.BN(int64(a.BaseAssetReserve)), baseAmount, direction, Invariant(a))
	if err != nil {
		return nil, nil, err
	}
	return newQuote, newBase, nil
}

// ReservesAfterQuoteSwap converts a QUOTE-scale amount to reserve units via
// the peg and swaps it against the quote reserve.
func ReservesAfterQuoteSwap(a *market.AMM, quoteAmount *big.Int, direction SwapDirection) (*big.Int, *big.Int, error) {
	if quoteAmount.Sign() < 0 {
		return nil, nil, fmt.Errorf("swap amount must be non-negative: %w", ErrInvariantViolation)
	}
	reserveAmount := fixed.DivBN(
		fixed.MulBN(quoteAmount, fixed.BN(fixed.BaseTimesPegToQuoteRatio)),
		fixed.BN(int64(a.PegMultiplier)),
	)
	newQuote, newBase, err := SwapOutput(fixed.BN(int64(a.QuoteAssetReserve)), reserveAmount, direction, Invariant(a))
	if err != nil {
		return nil, nil, err
	}
	return newQuote, newBase, nil
}

// TerminalQuoteReserve is the quote reserve after the AMM's net inventory is
// closed against the curve — the zero-exposure reference used by repeg cost
// and effective leverage.
func TerminalQuoteReserve(a *market.AMM) (*big.Int, error) {
	net := int64(a.BaseAssetAmountWithAMM)
	direction := SwapAdd // net long closes via shorts adding base back
	if net < 0 {
		direction = SwapRemove
	}
	newQuote, _, err := ReservesAfterBaseSwap(a, fixed.BN(fixed.AbsInt64(net)), direction)
	if err != nil {
		return nil, err
	}
	return newQuote, nil
}

// QuoteAmountForReserveDelta converts a quote-reserve delta to QUOTE scale
// through the peg. Removals round against the taker on both steps.
func QuoteAmountForReserveDelta(reserveDelta *big.Int, peg fixed.Peg, direction SwapDirection) *big.Int {
	delta := reserveDelta
	if direction == SwapRemove {
		delta = fixed.AddBN(delta, fixed.BN(1))
	}
	amount := fixed.DivBN(
		fixed.MulBN(delta, fixed.BN(int64(peg))),
		fixed.BN(fixed.BaseTimesPegToQuoteRatio),
	)
	if direction == SwapRemove {
		amount = fixed.AddBN(amount, fixed.BN(1))
	}
	return amount
}

// OpenBidAsk is the base-reserve room left on each side before hitting the
// configured reserve bounds: (openBids, openAsks), asks non-positive.
func OpenBidAsk(a *market.AMM) (*big.Int, *big.Int) {
	base := int64(a.BaseAssetReserve)

	openAsks := fixed.BN(0)
	if min := int64(a.MinBaseAssetReserve); min < base {
		openAsks = fixed.BN(-(base - min))
	}
	openBids := fixed.BN(0)
	if max := int64(a.MaxBaseAssetReserve); max > base {
		openBids = fixed.BN(max - base)
	}
	return openBids, openAsks
}
