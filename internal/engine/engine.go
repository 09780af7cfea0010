// Package engine is the top-level calculator facade: it validates oracle
// input, runs the prepeg, and exposes quotes, funding estimates, account
// health and liquidation prices to client applications.
//
// The calculator is stateless between calls; everything it computes comes
// from the snapshots passed in. It is safe for concurrent use.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpQuote/internal/amm"
	"PerpQuote/internal/fixed"
	"PerpQuote/internal/funding"
	"PerpQuote/internal/insurance"
	"PerpQuote/internal/margin"
	"PerpQuote/internal/market"
	"PerpQuote/internal/observability"
	"PerpQuote/internal/oracle"
	"PerpQuote/internal/spot"
)

// ErrNoLiquidationPriceSolution is the error form of the liquidation-price
// sentinel for callers that want errors.Is instead of an ok flag.
var ErrNoLiquidationPriceSolution = errors.New("engine: no liquidation price solution")

// Calculator bundles the immutable configuration with observability. Zero
// mutable state beyond metrics counters.
type Calculator struct {
	rails   oracle.GuardRails
	funding funding.Config

	log     zerolog.Logger
	metrics *observability.Metrics
}

// New creates a Calculator with the given guard rails and funding config.
// Metrics may be nil when the caller does not scrape.
func New(rails oracle.GuardRails, fundingCfg funding.Config, metrics *observability.Metrics) *Calculator {
	return &Calculator{
		rails:   rails,
		funding: fundingCfg,
		log:     observability.NewLogger("engine"),
		metrics: metrics,
	}
}

// Default creates a Calculator with on-chain-equivalent configuration and
// registered metrics.
func Default() *Calculator {
	return New(oracle.DefaultGuardRails(), funding.DefaultConfig(), observability.NewMetrics())
}

// Quote is one market's full bid/ask picture after prepeg.
type Quote struct {
	Bid fixed.Price
	Ask fixed.Price

	ReservePrice fixed.Price
	LongSpread   fixed.Pct
	ShortSpread  fixed.Pct

	// ConfPct is the oracle confidence interval as a fraction of the reserve
	// price, PERCENTAGE scale.
	ConfPct fixed.Pct

	// RepegCost is what the prepeg charged the fee pool to move the mark
	// toward the oracle before quoting.
	RepegCost fixed.Quote

	// UpdatedAMM is the prepegged curve the quote was priced on.
	UpdatedAMM *market.AMM
}

// BidAsk validates the oracle, prepegs the curve and prices both sides.
// Markets that do not allow trading refuse with ErrMarketNotActive.
func (c *Calculator) BidAsk(
	m *market.PerpMarket,
	d *oracle.PriceData,
	nowSlot uint64,
	nowTs int64,
) (*Quote, error) {
	start := time.Now()
	q, err := c.bidAsk(m, d, nowSlot, nowTs)
	if err != nil {
		c.countQuoteError(m, err)
		return nil, err
	}
	if c.metrics != nil {
		name := m.Name
		c.metrics.QuotesComputed.WithLabelValues(name).Inc()
		c.metrics.QuoteDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		c.metrics.SpreadLong.WithLabelValues(name).Set(float64(q.LongSpread))
		c.metrics.SpreadShort.WithLabelValues(name).Set(float64(q.ShortSpread))
		c.metrics.OracleMarkGap.WithLabelValues(name).Set(float64(q.ReservePrice - d.Price))
		c.metrics.PegMultiplier.WithLabelValues(name).Set(float64(q.UpdatedAMM.PegMultiplier))
		c.metrics.OracleConfPct.WithLabelValues(name).Set(float64(q.ConfPct))
		if q.RepegCost != 0 {
			c.metrics.RepegApplied.WithLabelValues(name).Inc()
			c.metrics.RepegCost.WithLabelValues(name).Set(float64(q.RepegCost))
		}
		if q.UpdatedAMM.SqrtK < m.AMM.SqrtK {
			c.metrics.RepegKShrinks.WithLabelValues(name).Inc()
		}
	}
	return q, nil
}

func (c *Calculator) bidAsk(
	m *market.PerpMarket,
	d *oracle.PriceData,
	nowSlot uint64,
	nowTs int64,
) (*Quote, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if !m.Status.AllowsTrading() {
		return nil, fmt.Errorf("market %d status %s: %w", m.MarketIndex, m.Status, market.ErrMarketNotActive)
	}
	if err := d.Validate(c.rails, m.ContractTier, m.AMM.HistoricalOracleData, nowSlot); err != nil {
		return nil, err
	}

	updated, cost, err := amm.UpdatedAMM(&m.AMM, d)
	if err != nil {
		return nil, err
	}
	reservePrice, err := amm.ReservePrice(updated)
	if err != nil {
		return nil, err
	}
	confPct, err := oracle.ConfPct(updated, d, reservePrice, nowTs)
	if err != nil {
		return nil, err
	}

	in := amm.SpreadInput{
		ReservePrice:           reservePrice,
		OraclePrice:            d.Price,
		ConfPct:                confPct,
		MarginRatioInitial:     m.MarginRatioInitial,
		MarginRatioMaintenance: m.MarginRatioMaintenance,
	}
	long, short, err := amm.Spread(updated, in)
	if err != nil {
		return nil, err
	}
	bid, ask, err := amm.BidAskPrice(updated, in)
	if err != nil {
		return nil, err
	}

	c.log.Debug().
		Uint16("market", m.MarketIndex).
		Int64("bid", int64(bid)).
		Int64("ask", int64(ask)).
		Int64("oracle", int64(d.Price)).
		Int64("repeg_cost", int64(cost)).
		Msg("quote computed")

	return &Quote{
		Bid:          bid,
		Ask:          ask,
		ReservePrice: reservePrice,
		LongSpread:   long,
		ShortSpread:  short,
		ConfPct:      confPct,
		RepegCost:    cost,
		UpdatedAMM:   updated,
	}, nil
}

// FundingEstimate computes the next funding split for the market, funding
// the shortfall budget from the market's fee pool in the quote spot market.
func (c *Calculator) FundingEstimate(
	m *market.PerpMarket,
	quoteSpot *market.SpotMarket,
) (*funding.Split, error) {
	feePool, err := spot.TokenAmount(
		m.AMM.FeePoolBalance,
		quoteSpot.CumulativeDepositInterest,
		quoteSpot.Decimals,
		market.Deposit,
	)
	if err != nil {
		return nil, err
	}
	split, err := funding.SettleEstimate(c.funding, &m.AMM, feePool)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.FundingEstimates.WithLabelValues(m.Name).Inc()
		c.metrics.FundingRateLong.WithLabelValues(m.Name).Set(float64(split.RateLong))
		c.metrics.FundingRateShort.WithLabelValues(m.Name).Set(float64(split.RateShort))
		if split.FeePoolDelta < 0 {
			c.metrics.FundingFeeSubsidy.WithLabelValues(m.Name).Inc()
		}
	}
	return split, nil
}

// Health is one account's aggregated margin picture.
type Health struct {
	TotalCollateral        fixed.Quote
	InitialRequirement     fixed.Quote
	MaintenanceRequirement fixed.Quote
	FreeCollateral         fixed.Quote // maintenance mode
	Leverage               int64       // MARGIN scale, 10000 == 1x
	Liquidatable           bool
}

// AccountHealth computes collateral, requirements and leverage in one pass.
func (c *Calculator) AccountHealth(s *margin.Snapshot, u *market.UserAccount) (*Health, error) {
	collateral, err := margin.TotalCollateral(s, u, margin.Maintenance)
	if err != nil {
		return nil, err
	}
	initialReq, err := margin.MarginRequirement(s, u, margin.Initial)
	if err != nil {
		return nil, err
	}
	maintReq, err := margin.MarginRequirement(s, u, margin.Maintenance)
	if err != nil {
		return nil, err
	}
	leverage, err := margin.Leverage(s, u)
	if err != nil {
		return nil, err
	}

	h := &Health{
		TotalCollateral:        collateral,
		InitialRequirement:     initialReq,
		MaintenanceRequirement: maintReq,
		FreeCollateral:         collateral - maintReq,
		Leverage:               leverage,
		Liquidatable:           collateral < maintReq,
	}
	if c.metrics != nil {
		c.metrics.MarginComputed.WithLabelValues(margin.Maintenance.String()).Inc()
		if h.Liquidatable {
			c.metrics.AccountsLiquidatable.Inc()
		}
	}
	return h, nil
}

// LiquidationPrice wraps the margin solve, converting the sentinel into
// ErrNoLiquidationPriceSolution for error-style callers.
func (c *Calculator) LiquidationPrice(
	s *margin.Snapshot,
	u *market.UserAccount,
	marketIndex uint16,
) (fixed.Price, error) {
	price, ok, err := margin.LiquidationPrice(s, u, marketIndex)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("market %d: %w", marketIndex, ErrNoLiquidationPriceSolution)
	}
	return price, nil
}

// PnlDeficitResolution sizes an insurance draw for a market's pnl deficit.
func (c *Calculator) PnlDeficitResolution(
	m *market.PerpMarket,
	quoteSpot *market.SpotMarket,
	d *oracle.PriceData,
	nowSlot uint64,
	nowTs int64,
) (*insurance.DeficitResolution, error) {
	return insurance.ResolvePerpPnlDeficit(m, quoteSpot, d, c.rails, nowSlot, nowTs)
}

// Venue identifies the cheaper execution venue in a comparison.
type Venue int32

const (
	VenueAMM Venue = iota
	VenueExternal
)

func (v Venue) String() string {
	if v == VenueExternal {
		return "external"
	}
	return "amm"
}

// CompareVenue prices a fill on the AMM against an externally quoted price
// and picks the cheaper side for the taker. Improvement is how much the
// winner beats the loser, PRICE scale.
func (c *Calculator) CompareVenue(
	m *market.PerpMarket,
	d *oracle.PriceData,
	direction amm.Direction,
	externalPrice fixed.Price,
	nowSlot uint64,
	nowTs int64,
) (Venue, fixed.Price, error) {
	if externalPrice <= 0 {
		return VenueAMM, 0, fmt.Errorf("external price %d: %w", externalPrice, fixed.ErrDivideByZero)
	}
	q, err := c.BidAsk(m, d, nowSlot, nowTs)
	if err != nil {
		return VenueAMM, 0, err
	}

	// Buying: lower ask wins. Selling: higher bid wins.
	if direction == amm.Long {
		if q.Ask <= externalPrice {
			return VenueAMM, externalPrice - q.Ask, nil
		}
		return VenueExternal, q.Ask - externalPrice, nil
	}
	if q.Bid >= externalPrice {
		return VenueAMM, q.Bid - externalPrice, nil
	}
	return VenueExternal, externalPrice - q.Bid, nil
}

func (c *Calculator) countQuoteError(m *market.PerpMarket, err error) {
	if c.metrics == nil {
		return
	}
	reason := "other"
	switch {
	case errors.Is(err, oracle.ErrStaleOracle):
		reason = "stale_oracle"
	case errors.Is(err, oracle.ErrInvalidOracle):
		reason = "invalid_oracle"
	case errors.Is(err, amm.ErrInvariantViolation):
		reason = "invariant"
	case errors.Is(err, market.ErrMarketNotActive):
		reason = "market_not_active"
	}
	c.metrics.QuoteErrors.WithLabelValues(m.Name, reason).Inc()
	if reason == "invariant" {
		c.metrics.InvariantViolations.WithLabelValues(m.Name, "quote").Inc()
	}
	if reason == "stale_oracle" || reason == "invalid_oracle" {
		c.metrics.OracleRejected.WithLabelValues(m.Name, reason).Inc()
	}
}
