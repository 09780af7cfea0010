package engine_test

import (
	"errors"
	"testing"

	"PerpQuote/internal/amm"
	"PerpQuote/internal/engine"
	"PerpQuote/internal/fixed"
	"PerpQuote/internal/funding"
	"PerpQuote/internal/margin"
	"PerpQuote/internal/market"
	"PerpQuote/internal/oracle"
	"PerpQuote/internal/testutil"
)

const (
	nowSlot = uint64(100)
	nowTs   = int64(1_700_000_000)
)

// calc builds a Calculator without metrics so tests do not fight over the
// default prometheus registry.
func calc() *engine.Calculator {
	return engine.New(oracle.DefaultGuardRails(), funding.DefaultConfig(), nil)
}

// ============================================================================
// BidAsk
// ============================================================================

func TestBidAsk_PrepegsAndBracketsOracle(t *testing.T) {
	c := calc()
	m := testutil.DefaultPerpMarket()
	d := testutil.FreshOracle(1_003_000, nowSlot)

	q, err := c.BidAsk(&m, d, nowSlot, nowTs)
	if err != nil {
		t.Fatalf("BidAsk: %v", err)
	}

	if q.UpdatedAMM.PegMultiplier != 1003 {
		t.Errorf("peg = %d, want 1003", q.UpdatedAMM.PegMultiplier)
	}
	if q.ReservePrice != 1_003_000 {
		t.Errorf("reserve price = %d, want 1003000", q.ReservePrice)
	}
	if q.Bid != 1_002_874 || q.Ask != 1_003_126 {
		t.Errorf("quote = [%d, %d], want [1002874, 1003126]", q.Bid, q.Ask)
	}
	if q.Bid > d.Price || q.Ask < d.Price {
		t.Errorf("oracle %d outside quote [%d, %d]", d.Price, q.Bid, q.Ask)
	}
	if q.RepegCost != 0 {
		t.Errorf("repeg cost = %d, want 0 with zero inventory", q.RepegCost)
	}
}

func TestBidAsk_InputMarketUntouched(t *testing.T) {
	c := calc()
	m := testutil.DefaultPerpMarket()
	before := m.AMM
	d := testutil.FreshOracle(1_003_000, nowSlot)

	if _, err := c.BidAsk(&m, d, nowSlot, nowTs); err != nil {
		t.Fatalf("BidAsk: %v", err)
	}
	if m.AMM != before {
		t.Error("BidAsk mutated the input snapshot")
	}
}

func TestBidAsk_RefusesInactiveMarket(t *testing.T) {
	c := calc()
	m := testutil.DefaultPerpMarket()
	m.Status = market.StatusSettlement
	d := testutil.FreshOracle(1_003_000, nowSlot)

	if _, err := c.BidAsk(&m, d, nowSlot, nowTs); !errors.Is(err, market.ErrMarketNotActive) {
		t.Errorf("err = %v, want ErrMarketNotActive", err)
	}
}

func TestBidAsk_ReduceOnlyStillQuotes(t *testing.T) {
	c := calc()
	m := testutil.DefaultPerpMarket()
	m.Status = market.StatusReduceOnly
	d := testutil.FreshOracle(1_003_000, nowSlot)

	if _, err := c.BidAsk(&m, d, nowSlot, nowTs); err != nil {
		t.Errorf("BidAsk on reduce-only market: %v", err)
	}
}

func TestBidAsk_RefusesStaleOracle(t *testing.T) {
	c := calc()
	m := testutil.DefaultPerpMarket()
	d := testutil.FreshOracle(1_003_000, nowSlot)

	if _, err := c.BidAsk(&m, d, nowSlot+50, nowTs); !errors.Is(err, oracle.ErrStaleOracle) {
		t.Errorf("err = %v, want ErrStaleOracle", err)
	}
}

// ============================================================================
// Funding estimate
// ============================================================================

func TestFundingEstimate_ChargesHeavySide(t *testing.T) {
	c := calc()
	m := testutil.DefaultPerpMarket()
	m.AMM.LastMarkPriceTwap = 1_010_000
	m.AMM.BaseAssetAmountLong = 205 * fixed.Base(fixed.BasePrecision)
	m.AMM.BaseAssetAmountShort = -1 * fixed.Base(fixed.BasePrecision)
	m.AMM.BaseAssetAmountWithAMM = m.AMM.BaseAssetAmountLong + m.AMM.BaseAssetAmountShort
	m.AMM.FeePoolBalance = fixed.Shares(1_000 * fixed.QuotePrecision * 1_000)
	quoteSpot := testutil.DefaultSpotMarket()

	s, err := c.FundingEstimate(&m, &quoteSpot)
	if err != nil {
		t.Fatalf("FundingEstimate: %v", err)
	}
	if s.RateLong <= 0 || s.PnLLong >= 0 {
		t.Errorf("longs must pay with mark above oracle: rate %d, pnl %d", s.RateLong, s.PnLLong)
	}
	if fixed.AbsInt64(int64(s.RateLong)) <= fixed.AbsInt64(int64(s.RateShort)) {
		t.Errorf("|rateLong| %d <= |rateShort| %d", s.RateLong, s.RateShort)
	}
}

func TestFundingEstimate_PausedPropagates(t *testing.T) {
	c := calc()
	m := testutil.DefaultPerpMarket()
	m.AMM.FundingPaused = true
	quoteSpot := testutil.DefaultSpotMarket()

	if _, err := c.FundingEstimate(&m, &quoteSpot); !errors.Is(err, funding.ErrFundingPaused) {
		t.Errorf("err = %v, want ErrFundingPaused", err)
	}
}

// ============================================================================
// Account health and liquidation price
// ============================================================================

func healthSnapshot() (*margin.Snapshot, *market.UserAccount) {
	perp := testutil.DefaultPerpMarket()
	quoteSpot := testutil.DefaultSpotMarket()
	s := &margin.Snapshot{
		PerpMarkets: map[uint16]*market.PerpMarket{0: &perp},
		SpotMarkets: map[uint16]*market.SpotMarket{0: &quoteSpot},
		PerpOracles: map[uint16]*oracle.PriceData{0: testutil.FreshOracle(1_000_000, nowSlot)},
		SpotOracles: map[uint16]*oracle.PriceData{0: testutil.FreshOracle(1_000_000, nowSlot)},
	}
	u := testutil.UserWithPerpPosition(
		10*fixed.Base(fixed.BasePrecision), // long 10 units at $1
		-10_000_000,
		fixed.Shares(5_000_000*1_000), // $5 deposit
	)
	return s, u
}

func TestAccountHealth_AggregatesOnePass(t *testing.T) {
	c := calc()
	s, u := healthSnapshot()

	h, err := c.AccountHealth(s, u)
	if err != nil {
		t.Fatalf("AccountHealth: %v", err)
	}
	testutil.AssertQuoteEq(t, "total collateral", h.TotalCollateral, 4_500_000)
	testutil.AssertQuoteEq(t, "initial requirement", h.InitialRequirement, 1_000_000)
	testutil.AssertQuoteEq(t, "maintenance requirement", h.MaintenanceRequirement, 500_000)
	testutil.AssertQuoteEq(t, "free collateral", h.FreeCollateral, 4_000_000)
	testutil.AssertWithin(t, "leverage", h.Leverage, 22_222, 1)
	if h.Liquidatable {
		t.Error("healthy account flagged liquidatable")
	}
}

func TestAccountHealth_FlagsLiquidatable(t *testing.T) {
	c := calc()
	s, u := healthSnapshot()
	u.SpotPositions[0].ScaledBalance = fixed.Shares(100_000 * 1_000) // ten cents

	h, err := c.AccountHealth(s, u)
	if err != nil {
		t.Fatalf("AccountHealth: %v", err)
	}
	if !h.Liquidatable {
		t.Errorf("collateral %d below requirement %d not flagged",
			h.TotalCollateral, h.MaintenanceRequirement)
	}
}

func TestLiquidationPrice_ErrorFormOfSentinel(t *testing.T) {
	c := calc()
	s, u := healthSnapshot()

	price, err := c.LiquidationPrice(s, u, 0)
	if err != nil {
		t.Fatalf("LiquidationPrice: %v", err)
	}
	if price != 578_948 {
		t.Errorf("liquidation price = %d, want 578948", price)
	}

	u.PerpPositions[0].BaseAssetAmount = 0
	u.PerpPositions[0].QuoteAssetAmount = 0
	if _, err := c.LiquidationPrice(s, u, 0); !errors.Is(err, engine.ErrNoLiquidationPriceSolution) {
		t.Errorf("err = %v, want ErrNoLiquidationPriceSolution", err)
	}
}

// ============================================================================
// Venue comparison
// ============================================================================

func TestCompareVenue_PicksCheaperSide(t *testing.T) {
	c := calc()
	d := testutil.FreshOracle(1_003_000, nowSlot)

	cases := []struct {
		name          string
		direction     amm.Direction
		externalPrice fixed.Price
		wantVenue     engine.Venue
		wantEdge      fixed.Price
	}{
		{"buy, amm ask cheaper", amm.Long, 1_005_000, engine.VenueAMM, 1_874},
		{"buy, external cheaper", amm.Long, 1_002_000, engine.VenueExternal, 1_126},
		{"sell, amm bid richer", amm.Short, 1_000_000, engine.VenueAMM, 2_874},
		{"sell, external richer", amm.Short, 1_004_000, engine.VenueExternal, 1_126},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := testutil.DefaultPerpMarket()
			venue, edge, err := c.CompareVenue(&m, d, tc.direction, tc.externalPrice, nowSlot, nowTs)
			if err != nil {
				t.Fatalf("CompareVenue: %v", err)
			}
			if venue != tc.wantVenue {
				t.Errorf("venue = %s, want %s", venue, tc.wantVenue)
			}
			if edge != tc.wantEdge {
				t.Errorf("edge = %d, want %d", edge, tc.wantEdge)
			}
		})
	}
}

func TestCompareVenue_RejectsNonPositiveExternal(t *testing.T) {
	c := calc()
	m := testutil.DefaultPerpMarket()
	d := testutil.FreshOracle(1_003_000, nowSlot)

	if _, _, err := c.CompareVenue(&m, d, amm.Long, 0, nowSlot, nowTs); err == nil {
		t.Error("CompareVenue accepted a zero external price")
	}
}
