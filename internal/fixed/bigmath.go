package fixed

import (
	"math/big"
	"sync"
)

// widePool recycles big.Ints used for 128-bit intermediates.
var widePool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getWide() *big.Int {
	return widePool.Get().(*big.Int)
}

func putWide(v *big.Int) {
	v.SetInt64(0)
	widePool.Put(v)
}

// MulDiv computes a*b/denom with a 128-bit intermediate product, flooring
// toward negative infinity (never truncating toward zero), to match the
// on-chain program's rounding for signed quantities.
func MulDiv(a, b, denom int64) (int64, error) {
	return mulDiv(a, b, denom, false)
}

// MulDivUp is MulDiv rounding toward positive infinity. Used where the
// protocol deliberately rounds in its own favor (fees up, payouts down).
func MulDivUp(a, b, denom int64) (int64, error) {
	return mulDiv(a, b, denom, true)
}

func mulDiv(a, b, denom int64, roundUp bool) (int64, error) {
	if denom == 0 {
		return 0, ErrDivideByZero
	}

	num := getWide()
	den := getWide()
	q := getWide()
	r := getWide()
	defer putWide(num)
	defer putWide(den)
	defer putWide(q)
	defer putWide(r)

	num.SetInt64(a)
	num.Mul(num, den.SetInt64(b))
	if denom < 0 {
		num.Neg(num)
		denom = -denom
	}
	den.SetInt64(denom)

	// big.Int Div/Mod are Euclidean: for a positive denominator the quotient
	// floors toward negative infinity and 0 <= r < denom.
	q.DivMod(num, den, r)
	if roundUp && r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}

	if !q.IsInt64() {
		return 0, ErrOverflow
	}
	return q.Int64(), nil
}

// DivDown divides flooring toward negative infinity.
func DivDown(a, denom int64) (int64, error) {
	return MulDiv(a, 1, denom)
}

// DivUp divides rounding toward positive infinity.
func DivUp(a, denom int64) (int64, error) {
	return MulDivUp(a, 1, denom)
}

// ----------------------------------------------------------------------------
// big.Int chain helpers. Component code converts snapshot fields to big.Int
// once, runs the full expression wide, and narrows at the end. Divisors here
// must already be known non-zero (snapshot validation happens at the entry
// points); a zero divisor is a bug and panics rather than returning a wrong
// number.
// ----------------------------------------------------------------------------

// BN wraps an int64 in a fresh big.Int.
func BN(v int64) *big.Int {
	return big.NewInt(v)
}

// MulBN multiplies all operands into a fresh big.Int.
func MulBN(xs ...*big.Int) *big.Int {
	out := big.NewInt(1)
	for _, x := range xs {
		out.Mul(out, x)
	}
	return out
}

// DivBN divides x by each divisor in order, flooring toward negative infinity.
func DivBN(x *big.Int, divisors ...*big.Int) *big.Int {
	out := new(big.Int).Set(x)
	for _, d := range divisors {
		if d.Sign() == 0 {
			panic(ErrDivideByZero)
		}
		if d.Sign() < 0 {
			out.Neg(out)
			d = new(big.Int).Neg(d)
		}
		out.Div(out, d)
	}
	return out
}

// DivCeilBN divides rounding toward positive infinity.
func DivCeilBN(x, d *big.Int) *big.Int {
	if d.Sign() == 0 {
		panic(ErrDivideByZero)
	}
	if d.Sign() < 0 {
		x = new(big.Int).Neg(x)
		d = new(big.Int).Neg(d)
	}
	q, r := new(big.Int).DivMod(x, d, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// AddBN sums all operands into a fresh big.Int.
func AddBN(xs ...*big.Int) *big.Int {
	out := new(big.Int)
	for _, x := range xs {
		out.Add(out, x)
	}
	return out
}

// SubBN returns a-b as a fresh big.Int.
func SubBN(a, b *big.Int) *big.Int {
	return new(big.Int).Sub(a, b)
}

// AbsBN returns |x| as a fresh big.Int.
func AbsBN(x *big.Int) *big.Int {
	return new(big.Int).Abs(x)
}

// NegBN returns -x as a fresh big.Int.
func NegBN(x *big.Int) *big.Int {
	return new(big.Int).Neg(x)
}

// MinBN returns the smaller operand.
func MinBN(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// MaxBN returns the larger operand.
func MaxBN(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// ClampBN bounds x to [lo, hi].
func ClampBN(x, lo, hi *big.Int) *big.Int {
	if x.Cmp(lo) < 0 {
		return lo
	}
	if x.Cmp(hi) > 0 {
		return hi
	}
	return x
}

// SqrtBN returns floor(sqrt(x)).
func SqrtBN(x *big.Int) *big.Int {
	return new(big.Int).Sqrt(x)
}

// Int64BN narrows x to int64, reporting overflow instead of wrapping.
func Int64BN(x *big.Int) (int64, error) {
	if !x.IsInt64() {
		return 0, ErrOverflow
	}
	return x.Int64(), nil
}
