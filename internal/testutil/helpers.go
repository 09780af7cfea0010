package testutil

import (
	"testing"

	"github.com/google/uuid"

	"PerpQuote/internal/fixed"
	"PerpQuote/internal/market"
	"PerpQuote/internal/oracle"
)

// DefaultAMM returns a balanced curve at mark price 1.00 with no inventory:
// reserves 5e13 base units scaled by 1e5, peg 1.0. Scenario fixtures mutate
// from here.
func DefaultAMM() market.AMM {
	const reserve = 50_000_000_000_000 * 100_000 // 5e13 * 1e5

	return market.AMM{
		BaseAssetReserve:          fixed.Base(reserve),
		QuoteAssetReserve:         fixed.Base(reserve),
		SqrtK:                     fixed.Base(reserve),
		TerminalQuoteAssetReserve: fixed.Base(reserve),
		MinBaseAssetReserve:       fixed.Base(reserve / 2),
		MaxBaseAssetReserve:       fixed.Base(reserve + reserve/2),

		PegMultiplier: fixed.Peg(fixed.PegPrecision),

		BaseSpread: fixed.Pct(250),    // 2.5 bps
		MaxSpread:  fixed.Pct(29_500), // 2.95%

		TotalFee:                   fixed.Quote(10_000 * fixed.QuotePrecision),
		TotalFeeMinusDistributions: fixed.Quote(10_000 * fixed.QuotePrecision),
		TotalExchangeFee:           fixed.Quote(10_000 * fixed.QuotePrecision),

		LastMarkPriceTwap:   fixed.Price(fixed.PricePrecision),
		LastMarkPriceTwapTs: 1_700_000_000,
		HistoricalOracleData: market.HistoricalOracleData{
			LastOraclePriceTwap:     fixed.Price(fixed.PricePrecision),
			LastOraclePriceTwap5Min: fixed.Price(fixed.PricePrecision),
			LastOraclePriceTwapTs:   1_700_000_000,
		},

		FundingPeriod:        3600,
		CurveUpdateIntensity: 100,
	}
}

// DefaultPerpMarket wraps DefaultAMM in an active market with 10x initial
// leverage limits.
func DefaultPerpMarket() market.PerpMarket {
	return market.PerpMarket{
		MarketIndex: 0,
		Name:        "SOL-PERP",
		AMM:         DefaultAMM(),

		MarginRatioInitial:     1_000, // 10%
		MarginRatioMaintenance: 500,   // 5%

		ContractTier: market.TierB,
		Status:       market.StatusActive,

		UnrealizedPnlInitialAssetWeight:     8_000,
		UnrealizedPnlMaintenanceAssetWeight: fixed.WeightPrecision,
		UnrealizedPnlMaxImbalance:           fixed.Quote(100_000 * fixed.QuotePrecision),

		MaxRevenueWithdrawPerPeriod: fixed.Quote(50_000 * fixed.QuotePrecision),
		RevenueWithdrawPeriod:       3600,
	}
}

// DefaultSpotMarket is a USDC-style quote market at the standard kink
// (50% optimal utilization, 20% optimal rate, 50% max rate).
func DefaultSpotMarket() market.SpotMarket {
	return market.SpotMarket{
		MarketIndex: 0,
		Name:        "USDC",
		Decimals:    6,

		DepositBalance: fixed.Shares(1_000_000 * fixed.SpotBalancePrecision),
		BorrowBalance:  fixed.Shares(500_000 * fixed.SpotBalancePrecision),

		CumulativeDepositInterest: fixed.Interest(fixed.InterestPrecision),
		CumulativeBorrowInterest:  fixed.Interest(fixed.InterestPrecision),
		LastInterestTs:            1_700_000_000,

		OptimalUtilization: fixed.Util(fixed.SpotUtilPrecision / 2),
		OptimalBorrowRate:  fixed.Rate(fixed.SpotRatePrecision / 5),
		MaxBorrowRate:      fixed.Rate(fixed.SpotRatePrecision / 2),
		ReserveFactor:      fixed.Rate(fixed.SpotRatePrecision / 10),

		InsuranceFund: market.InsuranceFund{
			Vault:           fixed.Quote(1_000_000 * fixed.QuotePrecision),
			TotalShares:     fixed.Shares(1_000_000),
			UserShares:      fixed.Shares(1_000_000),
			UnstakingPeriod: 86_400,
		},

		InitialAssetWeight:         8_000,
		MaintenanceAssetWeight:     9_000,
		InitialLiabilityWeight:     12_000,
		MaintenanceLiabilityWeight: 11_000,
	}
}

// FreshOracle returns a tight, current oracle print at the given price.
func FreshOracle(price fixed.Price, slot uint64) *oracle.PriceData {
	return &oracle.PriceData{
		Price:                   price,
		Confidence:              fixed.Price(fixed.MaxInt64(1, int64(price)/10_000)),
		Slot:                    slot,
		HasSufficientDataPoints: true,
		FetchedThisSlot:         true,
	}
}

// UserWithPerpPosition builds an account holding one perp position and one
// quote deposit.
func UserWithPerpPosition(base fixed.Base, quote fixed.Quote, deposit fixed.Shares) *market.UserAccount {
	return &market.UserAccount{
		UserID: uuid.New(),
		PerpPositions: []market.PerpPosition{{
			MarketIndex:          0,
			BaseAssetAmount:      base,
			QuoteAssetAmount:     quote,
			QuoteEntryAmount:     quote,
			QuoteBreakEvenAmount: quote,
		}},
		SpotPositions: []market.SpotPosition{{
			MarketIndex:   0,
			ScaledBalance: deposit,
			BalanceType:   market.Deposit,
		}},
	}
}

// AssertQuoteEq fails the test unless got == want, with both values printed.
func AssertQuoteEq(t *testing.T, name string, got, want fixed.Quote) {
	t.Helper()
	if got != want {
		t.Errorf("%s = %d, want %d", name, got, want)
	}
}

// AssertWithin fails unless |got-want| <= tolerance.
func AssertWithin(t *testing.T, name string, got, want, tolerance int64) {
	t.Helper()
	if fixed.AbsInt64(got-want) > tolerance {
		t.Errorf("%s = %d, want %d (±%d)", name, got, want, tolerance)
	}
}
