// Package margin aggregates a user's spot balances and perp positions into
// collateral, margin requirements, leverage and liquidation price.
//
// Every function takes a Snapshot of all referenced markets and oracles and
// computes against it without mutation. Missing market or oracle entries are
// data errors, not skips: quoting margin while blind to a position would be
// worse than refusing.
package margin

import (
	"errors"
	"fmt"

	"PerpQuote/internal/fixed"
	"PerpQuote/internal/funding"
	"PerpQuote/internal/market"
	"PerpQuote/internal/oracle"
	"PerpQuote/internal/spot"
)

// ErrMissingSnapshot means a user position references a market or oracle the
// snapshot does not carry.
var ErrMissingSnapshot = errors.New("margin: snapshot missing referenced market")

// Requirement selects which margin ratio a computation uses.
type Requirement int32

const (
	Initial Requirement = iota
	Maintenance
)

func (r Requirement) String() string {
	if r == Maintenance {
		return "maintenance"
	}
	return "initial"
}

// Snapshot is the immutable market/oracle context for one margin
// computation.
type Snapshot struct {
	PerpMarkets map[uint16]*market.PerpMarket
	SpotMarkets map[uint16]*market.SpotMarket
	PerpOracles map[uint16]*oracle.PriceData
	SpotOracles map[uint16]*oracle.PriceData
}

func (s *Snapshot) perp(idx uint16) (*market.PerpMarket, *oracle.PriceData, error) {
	m, ok := s.PerpMarkets[idx]
	if !ok {
		return nil, nil, fmt.Errorf("perp market %d: %w", idx, ErrMissingSnapshot)
	}
	d, ok := s.PerpOracles[idx]
	if !ok {
		return nil, nil, fmt.Errorf("perp oracle %d: %w", idx, ErrMissingSnapshot)
	}
	return m, d, nil
}

func (s *Snapshot) spot(idx uint16) (*market.SpotMarket, *oracle.PriceData, error) {
	m, ok := s.SpotMarkets[idx]
	if !ok {
		return nil, nil, fmt.Errorf("spot market %d: %w", idx, ErrMissingSnapshot)
	}
	d, ok := s.SpotOracles[idx]
	if !ok {
		return nil, nil, fmt.Errorf("spot oracle %d: %w", idx, ErrMissingSnapshot)
	}
	return m, d, nil
}

// markPrice is the price a perp position is valued at: the pinned expiry
// price once the market is in settlement, the live oracle otherwise.
func markPrice(m *market.PerpMarket, d *oracle.PriceData) (fixed.Price, error) {
	if m.Status == market.StatusSettlement || m.Status == market.StatusDelisted {
		if m.ExpiryPrice <= 0 {
			return 0, fmt.Errorf("market %d settled without expiry price: %w",
				m.MarketIndex, fixed.ErrDivideByZero)
		}
		return m.ExpiryPrice, nil
	}
	if d.Price <= 0 {
		return 0, fmt.Errorf("market %d oracle price %d: %w", m.MarketIndex, d.Price, oracle.ErrInvalidOracle)
	}
	return d.Price, nil
}

// TotalCollateral values spot balances (weighted, IMF size discount on
// assets) plus perp unrealized pnl (weighted, imbalance discount and
// confidence haircut on gains; losses count in full).
func TotalCollateral(s *Snapshot, u *market.UserAccount, mode Requirement) (fixed.Quote, error) {
	var total int64

	for i := range u.SpotPositions {
		p := &u.SpotPositions[i]
		if p.ScaledBalance == 0 {
			continue
		}
		m, d, err := s.spot(p.MarketIndex)
		if err != nil {
			return 0, err
		}
		value, err := spotPositionValue(m, d, p, mode)
		if err != nil {
			return 0, err
		}
		total += value
	}

	for i := range u.PerpPositions {
		p := &u.PerpPositions[i]
		if p.IsFlat() && p.QuoteAssetAmount == 0 {
			continue
		}
		m, d, err := s.perp(p.MarketIndex)
		if err != nil {
			return 0, err
		}
		pnl, err := weightedUnrealizedPnl(m, d, p, mode)
		if err != nil {
			return 0, err
		}
		total += pnl
	}
	return fixed.Quote(total), nil
}

// spotPositionValue is the signed quote value of one spot balance: deposits
// weighted down, borrows weighted up and negated.
func spotPositionValue(m *market.SpotMarket, d *oracle.PriceData, p *market.SpotPosition, mode Requirement) (int64, error) {
	index := m.CumulativeDepositInterest
	if p.BalanceType == market.Borrow {
		index = m.CumulativeBorrowInterest
	}
	tokens, err := spot.TokenAmount(p.ScaledBalance, index, m.Decimals, p.BalanceType)
	if err != nil {
		return 0, err
	}
	value, err := fixed.MulDiv(int64(tokens), int64(d.Price), fixed.PricePrecision)
	if err != nil {
		return 0, err
	}

	if p.BalanceType == market.Deposit {
		weight := m.MaintenanceAssetWeight
		if mode == Initial {
			weight, err = sizeDiscountAssetWeight(value, m.IMFFactor, m.InitialAssetWeight)
			if err != nil {
				return 0, err
			}
		}
		return fixed.MulDiv(value, weight, fixed.WeightPrecision)
	}

	weight := m.MaintenanceLiabilityWeight
	if mode == Initial {
		weight, err = sizePremiumLiabilityWeight(value, m.IMFFactor, m.InitialLiabilityWeight)
		if err != nil {
			return 0, err
		}
	}
	liability, err := fixed.MulDivUp(value, weight, fixed.WeightPrecision)
	if err != nil {
		return 0, err
	}
	return -liability, nil
}

// rawUnrealizedPnl is one position's cost basis plus mark value plus pending
// funding, before any collateral weighting.
func rawUnrealizedPnl(m *market.PerpMarket, p *market.PerpPosition, price fixed.Price) (int64, error) {
	markValue, err := fixed.MulDiv(int64(p.BaseAssetAmount), int64(price),
		fixed.BaseToQuoteRatio*fixed.PricePrecision)
	if err != nil {
		return 0, err
	}
	pnl := int64(p.QuoteAssetAmount) + markValue

	cumRate := m.AMM.CumulativeFundingRateLong
	if p.SideSign() < 0 {
		cumRate = m.AMM.CumulativeFundingRateShort
	}
	fundingPnl, err := funding.PositionFundingPayment(cumRate, p)
	if err != nil {
		return 0, err
	}
	return pnl + int64(fundingPnl), nil
}

// weightedUnrealizedPnl values one perp position's pnl for collateral
// purposes: gains are discounted by the market's pnl weight, the pool
// imbalance, and the oracle confidence; losses count in full.
func weightedUnrealizedPnl(m *market.PerpMarket, d *oracle.PriceData, p *market.PerpPosition, mode Requirement) (int64, error) {
	price, err := markPrice(m, d)
	if err != nil {
		return 0, err
	}
	pnl, err := rawUnrealizedPnl(m, p, price)
	if err != nil {
		return 0, err
	}
	if pnl <= 0 {
		return pnl, nil
	}
	weight, err := pnlAssetWeight(m, d, price, pnl, mode)
	if err != nil {
		return 0, err
	}
	return fixed.MulDiv(pnl, weight, fixed.WeightPrecision)
}

// pnlAssetWeight is the haircut applied to positive unrealized pnl.
func pnlAssetWeight(m *market.PerpMarket, d *oracle.PriceData, price fixed.Price, pnl int64, mode Requirement) (int64, error) {
	weight := m.UnrealizedPnlMaintenanceAssetWeight
	if mode == Initial {
		weight = m.UnrealizedPnlInitialAssetWeight
		var err error
		weight, err = sizeDiscountAssetWeight(pnl, m.UnrealizedPnlIMFFactor, weight)
		if err != nil {
			return 0, err
		}
	}

	// Gains the pnl pool cannot pay today are worth less today.
	if max := int64(m.UnrealizedPnlMaxImbalance); max > 0 && pnl > max {
		discounted, err := fixed.MulDiv(weight, max, pnl)
		if err != nil {
			return 0, err
		}
		weight = discounted
	}

	// Wide oracle confidence haircuts gains, capped at 10%.
	if d.Confidence > 0 && price > 0 {
		confPct, err := fixed.MulDiv(int64(d.Confidence), fixed.PctPrecision, int64(price))
		if err != nil {
			return 0, err
		}
		haircut := fixed.MinInt64(confPct, fixed.PctPrecision/10)
		weight, err = fixed.MulDiv(weight, fixed.PctPrecision-haircut, fixed.PctPrecision)
		if err != nil {
			return 0, err
		}
	}
	return weight, nil
}

// MarginRequirement sums each perp position's notional times its margin
// ratio (size premium applied in Initial mode, scaled by contract tier).
func MarginRequirement(s *Snapshot, u *market.UserAccount, mode Requirement) (fixed.Quote, error) {
	var total int64
	for i := range u.PerpPositions {
		p := &u.PerpPositions[i]
		if p.IsFlat() {
			continue
		}
		m, d, err := s.perp(p.MarketIndex)
		if err != nil {
			return 0, err
		}
		req, err := positionMarginRequirement(m, d, p, mode)
		if err != nil {
			return 0, err
		}
		total += req
	}
	return fixed.Quote(total), nil
}

func positionMarginRequirement(m *market.PerpMarket, d *oracle.PriceData, p *market.PerpPosition, mode Requirement) (int64, error) {
	price, err := markPrice(m, d)
	if err != nil {
		return 0, err
	}
	notional, err := fixed.MulDiv(
		fixed.AbsInt64(int64(p.BaseAssetAmount)),
		int64(price),
		fixed.BaseToQuoteRatio*fixed.PricePrecision,
	)
	if err != nil {
		return 0, err
	}

	ratio, err := marginRatio(m, notional, mode)
	if err != nil {
		return 0, err
	}
	return fixed.MulDivUp(notional, ratio, fixed.MarginPrecision)
}

// marginRatio picks the mode's base ratio and, for Initial, bumps it for
// large positions via the IMF size premium.
func marginRatio(m *market.PerpMarket, notional int64, mode Requirement) (int64, error) {
	if mode == Maintenance {
		return m.MarginRatioMaintenance, nil
	}
	// The liability-weight premium works on WEIGHT scale; margin ratios live
	// on the same 10^4 scale offset by 1x.
	premium, err := sizePremiumLiabilityWeight(notional, m.IMFFactor,
		fixed.WeightPrecision+m.MarginRatioInitial)
	if err != nil {
		return 0, err
	}
	return premium - fixed.WeightPrecision, nil
}

// FreeCollateral is total collateral minus the requested margin requirement.
func FreeCollateral(s *Snapshot, u *market.UserAccount, mode Requirement) (fixed.Quote, error) {
	collateral, err := TotalCollateral(s, u, mode)
	if err != nil {
		return 0, err
	}
	requirement, err := MarginRequirement(s, u, mode)
	if err != nil {
		return 0, err
	}
	return collateral - requirement, nil
}

// Leverage is total perp notional over total collateral, MARGIN scale
// (10000 == 1x). Zero collateral with open positions reads as max leverage.
func Leverage(s *Snapshot, u *market.UserAccount) (int64, error) {
	var notional int64
	for i := range u.PerpPositions {
		p := &u.PerpPositions[i]
		if p.IsFlat() {
			continue
		}
		m, d, err := s.perp(p.MarketIndex)
		if err != nil {
			return 0, err
		}
		price, err := markPrice(m, d)
		if err != nil {
			return 0, err
		}
		n, err := fixed.MulDiv(fixed.AbsInt64(int64(p.BaseAssetAmount)), int64(price),
			fixed.BaseToQuoteRatio*fixed.PricePrecision)
		if err != nil {
			return 0, err
		}
		notional += n
	}
	if notional == 0 {
		return 0, nil
	}

	collateral, err := TotalCollateral(s, u, Maintenance)
	if err != nil {
		return 0, err
	}
	if collateral <= 0 {
		return int64(^uint64(0) >> 1), nil
	}
	return fixed.MulDiv(notional, fixed.MarginPrecision, int64(collateral))
}

// LiquidationPrice solves, holding every other market fixed, for the oracle
// price in marketIndex at which maintenance free collateral reaches zero.
// Free collateral is piecewise linear in price: gains carry the market's pnl
// weight while losses count in full, so the slope switches where the pnl
// crosses zero. The solve runs on the current regime's slope and, when the
// root lands past that crossing, re-solves the remainder from the crossing
// on the other slope. Returns (0, false) when the account is already
// liquidatable, the position is flat, or no positive solution exists on the
// correct side.
func LiquidationPrice(s *Snapshot, u *market.UserAccount, marketIndex uint16) (fixed.Price, bool, error) {
	p := u.PerpPosition(marketIndex)
	if p == nil || p.IsFlat() {
		return 0, false, nil
	}
	m, d, err := s.perp(marketIndex)
	if err != nil {
		return 0, false, err
	}
	price, err := markPrice(m, d)
	if err != nil {
		return 0, false, err
	}

	free, err := FreeCollateral(s, u, Maintenance)
	if err != nil {
		return 0, false, err
	}
	if free <= 0 {
		return 0, false, nil
	}

	pnlNow, err := rawUnrealizedPnl(m, p, price)
	if err != nil {
		return 0, false, err
	}
	inProfit := pnlNow > 0

	// For a long the slope must be positive (price down hurts), for a short
	// negative. A degenerate slope means the margin ratio swamps the
	// exposure and no finite liquidation price exists.
	slope := fcSlope(m, p, inProfit)
	if (p.SideSign() > 0 && slope <= 0) || (p.SideSign() < 0 && slope >= 0) {
		return 0, false, nil
	}

	// priceDelta = free / slope, with slope in quote per price unit.
	delta, err := fixed.MulDiv(int64(free), fixed.BaseToQuoteRatio*fixed.PricePrecision, slope)
	if err != nil {
		return 0, false, err
	}
	liq := int64(price) - delta

	pnlAtRoot, err := rawUnrealizedPnl(m, p, fixed.Price(liq))
	if err != nil {
		return 0, false, err
	}
	if (pnlAtRoot > 0) != inProfit {
		var ok bool
		liq, ok, err = resolveAcrossPnlCrossing(m, p, price, int64(free), slope, inProfit)
		if err != nil || !ok {
			return 0, false, err
		}
	}
	if liq <= 0 {
		return 0, false, nil
	}
	return fixed.Price(liq), true, nil
}

// fcSlope is d(free collateral)/d(price) for one position, in quote units
// per BaseToQuoteRatio*PricePrecision of price: pnl moves with base,
// requirement with |base| times the maintenance ratio. Positive pnl carries
// the market's maintenance pnl weight; losses count in full.
func fcSlope(m *market.PerpMarket, p *market.PerpPosition, inProfit bool) int64 {
	weight := fixed.WeightPrecision
	if inProfit {
		weight = m.UnrealizedPnlMaintenanceAssetWeight
	}
	return int64(p.BaseAssetAmount)*weight/fixed.WeightPrecision -
		fixed.AbsInt64(int64(p.BaseAssetAmount))*m.MarginRatioMaintenance/fixed.MarginPrecision
}

// resolveAcrossPnlCrossing re-solves the free-collateral root when the pnl
// changes sign before the first-regime root: walk free collateral to the
// price where pnl is exactly zero, then continue on the other regime's slope.
func resolveAcrossPnlCrossing(
	m *market.PerpMarket,
	p *market.PerpPosition,
	price fixed.Price,
	free, firstSlope int64,
	inProfit bool,
) (int64, bool, error) {
	costBasis, err := rawUnrealizedPnl(m, p, 0)
	if err != nil {
		return 0, false, err
	}
	crossing, err := fixed.MulDiv(-costBasis, fixed.BaseToQuoteRatio*fixed.PricePrecision,
		int64(p.BaseAssetAmount))
	if err != nil {
		return 0, false, err
	}

	walked, err := fixed.MulDiv(crossing-int64(price), firstSlope,
		fixed.BaseToQuoteRatio*fixed.PricePrecision)
	if err != nil {
		return 0, false, err
	}
	freeAtCrossing := free + walked
	if freeAtCrossing <= 0 {
		// Rounding put the root at the crossing itself.
		return crossing, crossing > 0, nil
	}

	slope := fcSlope(m, p, !inProfit)
	if (p.SideSign() > 0 && slope <= 0) || (p.SideSign() < 0 && slope >= 0) {
		return 0, false, nil
	}
	delta, err := fixed.MulDiv(freeAtCrossing, fixed.BaseToQuoteRatio*fixed.PricePrecision, slope)
	if err != nil {
		return 0, false, err
	}
	liq := crossing - delta
	return liq, liq > 0, nil
}

// sizeDiscountAssetWeight shrinks an asset weight as position size grows:
// weight is capped by 1.1 / (1 + sqrt(10*size+1) * imf / 10^5), so the
// discount kicks in smoothly and tightens with size.
func sizeDiscountAssetWeight(size, imfFactor, baseWeight int64) (int64, error) {
	if imfFactor <= 0 || size <= 0 {
		return baseWeight, nil
	}
	sizeSqrt := fixed.SqrtBN(fixed.BN(size*10 + 1))
	denom := fixed.AddBN(
		fixed.BN(fixed.IMFPrecision),
		fixed.DivBN(fixed.MulBN(sizeSqrt, fixed.BN(imfFactor)), fixed.BN(100_000)),
	)
	numer := fixed.MulBN(
		fixed.BN(fixed.IMFPrecision+fixed.IMFPrecision/10),
		fixed.BN(fixed.WeightPrecision),
	)
	discounted, err := fixed.Int64BN(fixed.DivBN(numer, denom))
	if err != nil {
		return 0, err
	}
	return fixed.MinInt64(baseWeight, discounted), nil
}

// sizePremiumLiabilityWeight grows a liability weight with size: starts from
// 0.8x the base weight and adds sqrt(10*size+1) * imf, floored at the base
// weight so small positions are unaffected.
func sizePremiumLiabilityWeight(size, imfFactor, baseWeight int64) (int64, error) {
	if imfFactor <= 0 || size <= 0 {
		return baseWeight, nil
	}
	sizeSqrt := fixed.SqrtBN(fixed.BN(size*10 + 1))
	premiumTerm := fixed.DivBN(
		fixed.MulBN(sizeSqrt, fixed.BN(imfFactor), fixed.BN(fixed.WeightPrecision)),
		fixed.BN(100_000),
		fixed.BN(fixed.IMFPrecision),
	)
	term, err := fixed.Int64BN(premiumTerm)
	if err != nil {
		return 0, err
	}
	premium := baseWeight - baseWeight/5 + term
	return fixed.MaxInt64(baseWeight, premium), nil
}
