package fixed_test

import (
	"errors"
	"math"
	"testing"

	"PerpQuote/internal/fixed"
)

// ============================================================================
// MulDiv rounding
// ============================================================================

func TestMulDiv_FloorsTowardNegativeInfinity(t *testing.T) {
	got, err := fixed.MulDiv(7, 3, 2)
	if err != nil {
		t.Fatalf("MulDiv: %v", err)
	}
	if got != 10 {
		t.Errorf("MulDiv(7,3,2) = %d, want 10", got)
	}

	got, err = fixed.MulDiv(-7, 3, 2)
	if err != nil {
		t.Fatalf("MulDiv: %v", err)
	}
	if got != -11 {
		t.Errorf("MulDiv(-7,3,2) = %d, want -11 (floor, not truncate)", got)
	}
}

func TestMulDivUp_CeilsTowardPositiveInfinity(t *testing.T) {
	got, err := fixed.MulDivUp(7, 3, 2)
	if err != nil {
		t.Fatalf("MulDivUp: %v", err)
	}
	if got != 11 {
		t.Errorf("MulDivUp(7,3,2) = %d, want 11", got)
	}

	got, err = fixed.MulDivUp(-7, 3, 2)
	if err != nil {
		t.Fatalf("MulDivUp: %v", err)
	}
	if got != -10 {
		t.Errorf("MulDivUp(-7,3,2) = %d, want -10", got)
	}
}

func TestMulDiv_NegativeDenominator(t *testing.T) {
	got, err := fixed.MulDiv(10, 1, -4)
	if err != nil {
		t.Fatalf("MulDiv: %v", err)
	}
	if got != -3 {
		t.Errorf("MulDiv(10,1,-4) = %d, want -3 (floor of -2.5)", got)
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// a*b overflows int64; the quotient does not.
	got, err := fixed.MulDiv(math.MaxInt64/3, 6, 3)
	if err != nil {
		t.Fatalf("MulDiv: %v", err)
	}
	var want int64 = math.MaxInt64 / 3 * 2
	if got != want {
		t.Errorf("MulDiv wide = %d, want %d", got, want)
	}
}

func TestMulDiv_DivideByZero(t *testing.T) {
	if _, err := fixed.MulDiv(1, 2, 0); !errors.Is(err, fixed.ErrDivideByZero) {
		t.Errorf("MulDiv(_,_,0) err = %v, want ErrDivideByZero", err)
	}
}

func TestMulDiv_Overflow(t *testing.T) {
	if _, err := fixed.MulDiv(math.MaxInt64, 2, 1); !errors.Is(err, fixed.ErrOverflow) {
		t.Errorf("MulDiv overflow err = %v, want ErrOverflow", err)
	}
}

// ============================================================================
// big.Int helpers
// ============================================================================

func TestDivBN_FloorsNegative(t *testing.T) {
	got := fixed.DivBN(fixed.BN(-5), fixed.BN(2))
	if got.Int64() != -3 {
		t.Errorf("DivBN(-5,2) = %d, want -3", got.Int64())
	}
}

func TestDivCeilBN(t *testing.T) {
	if got := fixed.DivCeilBN(fixed.BN(5), fixed.BN(2)).Int64(); got != 3 {
		t.Errorf("DivCeilBN(5,2) = %d, want 3", got)
	}
	if got := fixed.DivCeilBN(fixed.BN(-5), fixed.BN(2)).Int64(); got != -2 {
		t.Errorf("DivCeilBN(-5,2) = %d, want -2", got)
	}
	if got := fixed.DivCeilBN(fixed.BN(4), fixed.BN(2)).Int64(); got != 2 {
		t.Errorf("DivCeilBN(4,2) = %d, want 2", got)
	}
}

func TestSqrtBN(t *testing.T) {
	if got := fixed.SqrtBN(fixed.BN(1_000_000)).Int64(); got != 1000 {
		t.Errorf("SqrtBN(1e6) = %d, want 1000", got)
	}
	if got := fixed.SqrtBN(fixed.BN(999_999)).Int64(); got != 999 {
		t.Errorf("SqrtBN(999999) = %d, want 999 (floor)", got)
	}
}

func TestInt64BN_Overflow(t *testing.T) {
	wide := fixed.MulBN(fixed.BN(math.MaxInt64), fixed.BN(2))
	if _, err := fixed.Int64BN(wide); !errors.Is(err, fixed.ErrOverflow) {
		t.Errorf("Int64BN overflow err = %v, want ErrOverflow", err)
	}
}

// ============================================================================
// Scaled runtime tagging
// ============================================================================

func TestScaled_AddRejectsMismatchedScales(t *testing.T) {
	a := fixed.Scaled{V: 1, S: fixed.ScalePrice}
	b := fixed.Scaled{V: 2, S: fixed.ScaleQuote}
	if _, err := a.Add(b); !errors.Is(err, fixed.ErrScaleMismatch) {
		t.Errorf("Add across scales err = %v, want ErrScaleMismatch", err)
	}
}

func TestScaled_AddSameScale(t *testing.T) {
	a := fixed.Scaled{V: 40, S: fixed.ScalePrice}
	b := fixed.Scaled{V: 2, S: fixed.ScalePrice}
	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if sum.V != 42 || sum.S != fixed.ScalePrice {
		t.Errorf("Add = %+v, want {42 price}", sum)
	}
}

func TestClampInt64(t *testing.T) {
	if got := fixed.ClampInt64(5, 1, 3); got != 3 {
		t.Errorf("Clamp(5,1,3) = %d, want 3", got)
	}
	if got := fixed.ClampInt64(-5, -3, 3); got != -3 {
		t.Errorf("Clamp(-5,-3,3) = %d, want -3", got)
	}
	if got := fixed.ClampInt64(2, 1, 3); got != 2 {
		t.Errorf("Clamp(2,1,3) = %d, want 2", got)
	}
}
