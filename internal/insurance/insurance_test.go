package insurance_test

import (
	"errors"
	"testing"

	"PerpQuote/internal/fixed"
	"PerpQuote/internal/insurance"
	"PerpQuote/internal/market"
	"PerpQuote/internal/oracle"
	"PerpQuote/internal/testutil"
)

const ts0 = int64(1_700_000_000)

// ============================================================================
// Share conversions
// ============================================================================

func TestAmountToShares_BootstrapsEmptyFund(t *testing.T) {
	shares, err := insurance.AmountToShares(1_234_567, 0, 0)
	if err != nil {
		t.Fatalf("AmountToShares: %v", err)
	}
	if shares != 1_234_567 {
		t.Errorf("shares = %d, want 1 share per token on an empty fund", shares)
	}
}

func TestShareRoundTrip_NeverGrowsStake(t *testing.T) {
	fund := testutil.DefaultSpotMarket().InsuranceFund

	for _, s := range []fixed.Shares{1, 7, 333, 999_999, 1_000_000} {
		amount, err := insurance.SharesToAmount(s, fund.TotalShares, fund.Vault)
		if err != nil {
			t.Fatalf("SharesToAmount: %v", err)
		}
		back, err := insurance.AmountToShares(amount, fund.TotalShares, fund.Vault)
		if err != nil {
			t.Fatalf("AmountToShares: %v", err)
		}
		if back > s {
			t.Errorf("round trip of %d shares returned %d", s, back)
		}
	}
}

func TestSharesToAmount_EmptyFundIsWorthless(t *testing.T) {
	amount, err := insurance.SharesToAmount(500, 0, 1_000_000)
	if err != nil {
		t.Fatalf("SharesToAmount: %v", err)
	}
	if amount != 0 {
		t.Errorf("amount = %d, want 0 with zero total shares", amount)
	}
}

// ============================================================================
// Unstake escrow (request -> cancel / complete)
// ============================================================================

func TestRequestUnstake_FreezesCurrentValue(t *testing.T) {
	fund := testutil.DefaultSpotMarket().InsuranceFund
	stake := &market.InsuranceFundStake{Shares: 1_000_000}

	out, err := insurance.RequestUnstake(stake, 500_000, &fund, ts0)
	if err != nil {
		t.Fatalf("RequestUnstake: %v", err)
	}
	if out.LastWithdrawRequestShares != 500_000 {
		t.Errorf("requested shares = %d, want 500000", out.LastWithdrawRequestShares)
	}
	// Half the 1M-token vault.
	wantValue := fixed.Quote(500_000 * fixed.QuotePrecision)
	if out.LastWithdrawRequestValue != wantValue {
		t.Errorf("frozen value = %d, want %d", out.LastWithdrawRequestValue, wantValue)
	}
	if out.Shares != 1_000_000 {
		t.Errorf("shares = %d, request must not burn shares", out.Shares)
	}
}

func TestRequestUnstake_RejectsOversizedRequest(t *testing.T) {
	fund := testutil.DefaultSpotMarket().InsuranceFund
	stake := &market.InsuranceFundStake{Shares: 100}

	if _, err := insurance.RequestUnstake(stake, 101, &fund, ts0); !errors.Is(err, insurance.ErrInsufficientSharesForRequest) {
		t.Errorf("err = %v, want ErrInsufficientSharesForRequest", err)
	}
}

func TestCancelUnstakeRequest_NoLossWhenVaultUnchanged(t *testing.T) {
	fund := testutil.DefaultSpotMarket().InsuranceFund
	stake := &market.InsuranceFundStake{Shares: 1_000_000}

	requested, err := insurance.RequestUnstake(stake, 500_000, &fund, ts0)
	if err != nil {
		t.Fatalf("RequestUnstake: %v", err)
	}
	out, lost, err := insurance.CancelUnstakeRequest(requested, &fund)
	if err != nil {
		t.Fatalf("CancelUnstakeRequest: %v", err)
	}
	if lost != 0 {
		t.Errorf("lost = %d, want 0 when vault value is unchanged", lost)
	}
	if out.Shares != 1_000_000 || out.LastWithdrawRequestShares != 0 {
		t.Errorf("stake after cancel = %+v, want full stake and no pending request", out)
	}
}

func TestCancelUnstakeRequest_ForfeitsEscrowGains(t *testing.T) {
	fund := testutil.DefaultSpotMarket().InsuranceFund
	stake := &market.InsuranceFundStake{Shares: 1_000_000}

	requested, err := insurance.RequestUnstake(stake, 500_000, &fund, ts0)
	if err != nil {
		t.Fatalf("RequestUnstake: %v", err)
	}

	// Vault grows 10% during escrow; the requested slice is re-priced at its
	// frozen value, so the grown shares are burned.
	fund.Vault += fund.Vault / 10
	out, lost, err := insurance.CancelUnstakeRequest(requested, &fund)
	if err != nil {
		t.Fatalf("CancelUnstakeRequest: %v", err)
	}
	if lost != 45_454 {
		t.Errorf("lost = %d, want 45454", lost)
	}
	if out.Shares != 954_546 {
		t.Errorf("shares after cancel = %d, want 954546", out.Shares)
	}
}

func TestUnstake_RefusedDuringEscrow(t *testing.T) {
	fund := testutil.DefaultSpotMarket().InsuranceFund
	stake := &market.InsuranceFundStake{Shares: 1_000_000}

	requested, err := insurance.RequestUnstake(stake, 500_000, &fund, ts0)
	if err != nil {
		t.Fatalf("RequestUnstake: %v", err)
	}
	_, _, err = insurance.Unstake(requested, &fund, ts0+fund.UnstakingPeriod-1)
	if !errors.Is(err, insurance.ErrUnstakeEscrowActive) {
		t.Errorf("err = %v, want ErrUnstakeEscrowActive", err)
	}
}

func TestUnstake_GainsForfeitedLossesShared(t *testing.T) {
	base := testutil.DefaultSpotMarket().InsuranceFund
	frozen := fixed.Quote(500_000 * fixed.QuotePrecision)

	cases := []struct {
		name       string
		vault      fixed.Quote
		wantPayout fixed.Quote
	}{
		{"vault unchanged", base.Vault, frozen},
		{"vault grew 10%", base.Vault + base.Vault/10, frozen},
		{"vault shrank 10%", base.Vault - base.Vault/10, frozen - frozen/10},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fund := base
			stake := &market.InsuranceFundStake{Shares: 1_000_000}

			requested, err := insurance.RequestUnstake(stake, 500_000, &fund, ts0)
			if err != nil {
				t.Fatalf("RequestUnstake: %v", err)
			}
			fund.Vault = tc.vault

			out, payout, err := insurance.Unstake(requested, &fund, ts0+fund.UnstakingPeriod)
			if err != nil {
				t.Fatalf("Unstake: %v", err)
			}
			testutil.AssertQuoteEq(t, "payout", payout, tc.wantPayout)
			if out.Shares != 500_000 {
				t.Errorf("remaining shares = %d, want 500000", out.Shares)
			}
			if out.LastWithdrawRequestShares != 0 {
				t.Errorf("pending request survived unstake: %+v", out)
			}
		})
	}
}

func TestUnstake_NoPendingRequest(t *testing.T) {
	fund := testutil.DefaultSpotMarket().InsuranceFund
	stake := &market.InsuranceFundStake{Shares: 1_000_000}

	if _, _, err := insurance.Unstake(stake, &fund, ts0+fund.UnstakingPeriod); err == nil {
		t.Error("Unstake completed without a pending request")
	}
}

// ============================================================================
// Pnl imbalance
// ============================================================================

// underwaterMarket owes users $10 of pnl against a $4 pnl pool and a $10 fee
// pool (of which one fifth backs pnl): imbalance $4.
func underwaterMarket() (market.PerpMarket, market.SpotMarket) {
	perp := testutil.DefaultPerpMarket()
	perp.AMM.BaseAssetAmountWithAMM = 100 * fixed.Base(fixed.BasePrecision)
	perp.AMM.QuoteAssetAmount = -90 * fixed.Quote(fixed.QuotePrecision)
	perp.PnlPoolBalance = fixed.Shares(4 * fixed.QuotePrecision * 1_000)
	perp.AMM.FeePoolBalance = fixed.Shares(10 * fixed.QuotePrecision * 1_000)
	perp.InsuranceClaim.QuoteMaxInsurance = fixed.Quote(100_000 * fixed.QuotePrecision)
	return perp, testutil.DefaultSpotMarket()
}

func TestNetUserPnlImbalance_Underwater(t *testing.T) {
	perp, quoteSpot := underwaterMarket()

	imbalance, err := insurance.NetUserPnlImbalance(&perp, &quoteSpot, 1_000_000)
	if err != nil {
		t.Fatalf("NetUserPnlImbalance: %v", err)
	}
	testutil.AssertQuoteEq(t, "imbalance", imbalance, 4_000_000)
}

func TestNetUserPnlImbalance_HealthyIsNonPositive(t *testing.T) {
	perp, quoteSpot := underwaterMarket()
	perp.AMM.QuoteAssetAmount = -110 * fixed.Quote(fixed.QuotePrecision) // users in aggregate down

	imbalance, err := insurance.NetUserPnlImbalance(&perp, &quoteSpot, 1_000_000)
	if err != nil {
		t.Fatalf("NetUserPnlImbalance: %v", err)
	}
	if imbalance > 0 {
		t.Errorf("imbalance = %d, want <= 0 for a market in surplus", imbalance)
	}
}

// ============================================================================
// Deficit resolution
// ============================================================================

func TestResolvePerpPnlDeficit_DrawsImbalance(t *testing.T) {
	perp, quoteSpot := underwaterMarket()
	d := testutil.FreshOracle(1_000_000, 100)

	res, err := insurance.ResolvePerpPnlDeficit(&perp, &quoteSpot, d, oracle.DefaultGuardRails(), 100, ts0+60)
	if err != nil {
		t.Fatalf("ResolvePerpPnlDeficit: %v", err)
	}
	testutil.AssertQuoteEq(t, "transfer", res.Transfer, 4_000_000)
	testutil.AssertQuoteEq(t, "withdrawn this period", res.RevenueWithdrawSinceLastSettle, 4_000_000)
	if res.LastRevenueWithdrawTs != ts0+60 {
		t.Errorf("last withdraw ts = %d, want %d", res.LastRevenueWithdrawTs, ts0+60)
	}
}

func TestResolvePerpPnlDeficit_CappedByClaimRemaining(t *testing.T) {
	perp, quoteSpot := underwaterMarket()
	perp.InsuranceClaim.QuoteMaxInsurance = 1_000_000
	d := testutil.FreshOracle(1_000_000, 100)

	res, err := insurance.ResolvePerpPnlDeficit(&perp, &quoteSpot, d, oracle.DefaultGuardRails(), 100, ts0+60)
	if err != nil {
		t.Fatalf("ResolvePerpPnlDeficit: %v", err)
	}
	testutil.AssertQuoteEq(t, "transfer", res.Transfer, 1_000_000)
}

func TestResolvePerpPnlDeficit_ThrottledWithinPeriod(t *testing.T) {
	perp, quoteSpot := underwaterMarket()
	perp.RevenueWithdrawSinceLastSettle = perp.MaxRevenueWithdrawPerPeriod
	perp.LastRevenueWithdrawTs = ts0
	d := testutil.FreshOracle(1_000_000, 100)

	_, err := insurance.ResolvePerpPnlDeficit(&perp, &quoteSpot, d, oracle.DefaultGuardRails(), 100, ts0+60)
	if !errors.Is(err, insurance.ErrRevenueSettleExceedsPeriodLimit) {
		t.Errorf("err = %v, want ErrRevenueSettleExceedsPeriodLimit", err)
	}
}

func TestResolvePerpPnlDeficit_WindowResets(t *testing.T) {
	perp, quoteSpot := underwaterMarket()
	perp.RevenueWithdrawSinceLastSettle = perp.MaxRevenueWithdrawPerPeriod
	perp.LastRevenueWithdrawTs = ts0 - 2*perp.RevenueWithdrawPeriod
	d := testutil.FreshOracle(1_000_000, 100)

	res, err := insurance.ResolvePerpPnlDeficit(&perp, &quoteSpot, d, oracle.DefaultGuardRails(), 100, ts0+60)
	if err != nil {
		t.Fatalf("ResolvePerpPnlDeficit: %v", err)
	}
	testutil.AssertQuoteEq(t, "transfer", res.Transfer, 4_000_000)
	testutil.AssertQuoteEq(t, "withdrawn this period", res.RevenueWithdrawSinceLastSettle, 4_000_000)
}

func TestResolvePerpPnlDeficit_StaleOracleRefused(t *testing.T) {
	perp, quoteSpot := underwaterMarket()
	d := testutil.FreshOracle(1_000_000, 100)

	_, err := insurance.ResolvePerpPnlDeficit(&perp, &quoteSpot, d, oracle.DefaultGuardRails(), 200, ts0+60)
	if !errors.Is(err, insurance.ErrInvalidOracleForSettlement) {
		t.Errorf("err = %v, want ErrInvalidOracleForSettlement", err)
	}
}

func TestResolvePerpPnlDeficit_DivergentOracleRefused(t *testing.T) {
	perp, quoteSpot := underwaterMarket()
	// 20% above the 5-minute TWAP; settlement tolerates 10%.
	d := testutil.FreshOracle(1_200_000, 100)

	_, err := insurance.ResolvePerpPnlDeficit(&perp, &quoteSpot, d, oracle.DefaultGuardRails(), 100, ts0+60)
	if !errors.Is(err, insurance.ErrInvalidOracleForSettlement) {
		t.Errorf("err = %v, want ErrInvalidOracleForSettlement", err)
	}
}

func TestResolvePerpPnlDeficit_ZeroDrawLeavesThrottleIdle(t *testing.T) {
	perp, quoteSpot := underwaterMarket()
	perp.LastRevenueWithdrawTs = ts0 - 2*perp.RevenueWithdrawPeriod
	quoteSpot.InsuranceFund.Vault = 0
	d := testutil.FreshOracle(1_000_000, 100)

	res, err := insurance.ResolvePerpPnlDeficit(&perp, &quoteSpot, d, oracle.DefaultGuardRails(), 100, ts0+60)
	if err != nil {
		t.Fatalf("ResolvePerpPnlDeficit: %v", err)
	}
	testutil.AssertQuoteEq(t, "transfer", res.Transfer, 0)
	if res.LastRevenueWithdrawTs != perp.LastRevenueWithdrawTs {
		t.Errorf("last withdraw ts = %d, want %d untouched by a zero draw",
			res.LastRevenueWithdrawTs, perp.LastRevenueWithdrawTs)
	}
}

func TestResolvePerpPnlDeficit_NoImbalanceNoTransfer(t *testing.T) {
	perp, quoteSpot := underwaterMarket()
	perp.AMM.QuoteAssetAmount = -110 * fixed.Quote(fixed.QuotePrecision)
	perp.RevenueWithdrawSinceLastSettle = 123
	d := testutil.FreshOracle(1_000_000, 100)

	res, err := insurance.ResolvePerpPnlDeficit(&perp, &quoteSpot, d, oracle.DefaultGuardRails(), 100, ts0+60)
	if err != nil {
		t.Fatalf("ResolvePerpPnlDeficit: %v", err)
	}
	if res.Transfer != 0 {
		t.Errorf("transfer = %d, want 0 for a healthy market", res.Transfer)
	}
	if res.RevenueWithdrawSinceLastSettle != 123 {
		t.Errorf("throttle state = %d, want passthrough 123", res.RevenueWithdrawSinceLastSettle)
	}
}
