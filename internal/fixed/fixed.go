// Package fixed is the integer fixed-point arithmetic core.
//
// Every quantity in the engine is an int64 paired with an implicit decimal
// scale. Values of different scales must never be added or compared directly;
// the newtypes below make the compiler reject most of those mistakes, and the
// Scaled helper catches the rest at runtime. Intermediate products go through
// 128-bit-wide big.Int arithmetic so precision ordering (multiply before
// divide) is never lost.
package fixed

// Scale identifies the implicit decimal scale of a fixed-point value.
type Scale int

const (
	ScalePrice Scale = iota
	ScaleBase
	ScaleQuote
	ScalePeg
	ScalePercentage
	ScaleFunding
	ScaleInterest
	ScaleShares
	ScaleRate
	ScaleUtil
	ScaleMargin
)

func (s Scale) String() string {
	switch s {
	case ScalePrice:
		return "price"
	case ScaleBase:
		return "base"
	case ScaleQuote:
		return "quote"
	case ScalePeg:
		return "peg"
	case ScalePercentage:
		return "percentage"
	case ScaleFunding:
		return "funding"
	case ScaleInterest:
		return "interest"
	case ScaleShares:
		return "shares"
	case ScaleRate:
		return "rate"
	case ScaleUtil:
		return "utilization"
	case ScaleMargin:
		return "margin"
	default:
		return "unknown"
	}
}

// Precision constants. One unit of each scale equals 1/precision of the
// human-readable quantity. These match the on-chain program exactly; changing
// any of them breaks bit-for-bit compatibility.
const (
	PricePrecision       int64 = 1_000_000      // 10^6
	BasePrecision        int64 = 1_000_000_000  // 10^9, AMM reserve units
	QuotePrecision       int64 = 1_000_000      // 10^6
	PegPrecision         int64 = 1_000          // 10^3
	PctPrecision         int64 = 1_000_000      // 10^6, spreads & ratios
	FundingPrecision     int64 = 1_000_000_000  // 10^9
	MarginPrecision      int64 = 10_000         // 10^4, margin ratios
	InterestPrecision    int64 = 10_000_000_000 // 10^10, cumulative interest
	SpotRatePrecision    int64 = 1_000_000      // 10^6, borrow/deposit rates
	SpotUtilPrecision    int64 = 1_000_000      // 10^6
	SpotBalancePrecision int64 = 1_000_000_000  // 10^9, scaled balances
	IMFPrecision         int64 = 1_000_000      // 10^6, imf size factors
	WeightPrecision      int64 = 10_000         // 10^4, asset/liability weights

	// Derived ratios used when crossing scales.
	PriceDivPeg              = PricePrecision / PegPrecision                 // 10^3
	BaseToQuoteRatio         = BasePrecision / QuotePrecision                // 10^3
	BaseTimesPegToQuoteRatio = BasePrecision / QuotePrecision * PegPrecision // 10^6
	PriceToQuoteRatio        = PricePrecision / QuotePrecision               // 1
	FundingToPriceRatio      = FundingPrecision / PricePrecision             // 10^3
)

// Newtypes, one per scale. Arithmetic that crosses scales goes through the
// MulDiv helpers with the target scale stated at the call site.
type (
	Price       int64 // ScalePrice
	Base        int64 // ScaleBase, signed inventory
	Quote       int64 // ScaleQuote
	Peg         int64 // ScalePeg
	Pct         int64 // ScalePercentage
	FundingRate int64 // ScaleFunding
	Interest    int64 // ScaleInterest
	Shares      int64 // ScaleShares
	Rate        int64 // ScaleRate
	Util        int64 // ScaleUtil
)

// Scaled is a runtime-tagged fixed-point value for the few places where the
// scale is data-dependent (e.g. generic TWAP accumulators).
type Scaled struct {
	V int64
	S Scale
}

// Add returns a+b, refusing to mix scales.
func (a Scaled) Add(b Scaled) (Scaled, error) {
	if a.S != b.S {
		return Scaled{}, scaleMismatch(a.S, b.S)
	}
	return Scaled{V: a.V + b.V, S: a.S}, nil
}

// Sub returns a-b, refusing to mix scales.
func (a Scaled) Sub(b Scaled) (Scaled, error) {
	if a.S != b.S {
		return Scaled{}, scaleMismatch(a.S, b.S)
	}
	return Scaled{V: a.V - b.V, S: a.S}, nil
}

// Cmp compares two values of the same scale (-1, 0, +1).
func (a Scaled) Cmp(b Scaled) (int, error) {
	if a.S != b.S {
		return 0, scaleMismatch(a.S, b.S)
	}
	switch {
	case a.V < b.V:
		return -1, nil
	case a.V > b.V:
		return 1, nil
	default:
		return 0, nil
	}
}

// AbsInt64 returns |v| for signed fixed-point values.
func AbsInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// SignInt64 returns -1, 0 or +1.
func SignInt64(v int64) int64 {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}

// ClampInt64 bounds v to [lo, hi].
func ClampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MinInt64 returns the smaller of a and b.
func MinInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// MaxInt64 returns the larger of a and b.
func MaxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
