package market

import (
	"fmt"

	"PerpQuote/internal/fixed"
)

// BalanceType distinguishes deposit from borrow scaled balances.
type BalanceType int32

const (
	Deposit BalanceType = iota
	Borrow
)

func (b BalanceType) String() string {
	if b == Borrow {
		return "borrow"
	}
	return "deposit"
}

// InsuranceFund is a spot market's pooled backstop.
type InsuranceFund struct {
	Vault           fixed.Quote  // token amount held by the vault
	TotalShares     fixed.Shares
	UserShares      fixed.Shares
	UnstakingPeriod int64        // escrow seconds between request and unstake
}

// SpotMarket is a lending/borrowing market whose deposits collateralize perp
// positions. Balances are normalized "scaled balance" units: token amount =
// scaledBalance * cumulativeInterest / precision bridge.
type SpotMarket struct {
	MarketIndex uint16
	Name        string
	Decimals    uint8  // token decimals, e.g. 6 for USDC

	DepositBalance fixed.Shares // SPOT BALANCE scale
	BorrowBalance  fixed.Shares

	// Monotonically non-decreasing interest indexes, INTEREST scale (10^10).
	CumulativeDepositInterest fixed.Interest
	CumulativeBorrowInterest  fixed.Interest
	LastInterestTs            int64

	// Kink points of the rate curve (SPOT RATE / UTILIZATION scale).
	OptimalUtilization fixed.Util
	OptimalBorrowRate  fixed.Rate
	MaxBorrowRate      fixed.Rate

	// ReserveFactor is the slice of borrow interest withheld from depositors
	// and routed to the revenue pool (SPOT RATE scale fraction).
	ReserveFactor fixed.Rate

	// RevenuePoolBalance is a scaled deposit balance in this market.
	RevenuePoolBalance fixed.Shares

	InsuranceFund InsuranceFund

	// Collateral weights (WEIGHT scale) and size-scaling factor (IMF scale).
	InitialAssetWeight         int64
	MaintenanceAssetWeight     int64
	InitialLiabilityWeight     int64
	MaintenanceLiabilityWeight int64
	IMFFactor                  int64
}

// Validate rejects malformed spot snapshots.
func (m *SpotMarket) Validate() error {
	if m.CumulativeDepositInterest <= 0 || m.CumulativeBorrowInterest <= 0 {
		return fmt.Errorf("spot market %d: cumulative interest must be positive: %w",
			m.MarketIndex, fixed.ErrDivideByZero)
	}
	if m.Decimals == 0 || m.Decimals > 19 {
		return fmt.Errorf("spot market %d: unsupported decimals %d", m.MarketIndex, m.Decimals)
	}
	if m.OptimalUtilization <= 0 || int64(m.OptimalUtilization) >= fixed.SpotUtilPrecision {
		return fmt.Errorf("spot market %d: optimal utilization out of range: %d",
			m.MarketIndex, m.OptimalUtilization)
	}
	if m.MaxBorrowRate < m.OptimalBorrowRate {
		return fmt.Errorf("spot market %d: max rate %d below optimal rate %d",
			m.MarketIndex, m.MaxBorrowRate, m.OptimalBorrowRate)
	}
	return nil
}

// InsuranceFundStake is one staker's slice of a spot market's insurance fund.
//
// Invariant: LastWithdrawRequestShares <= Shares. Shares burn only on a
// completed unstake, never on request.
type InsuranceFundStake struct {
	Shares                    fixed.Shares
	LastWithdrawRequestShares fixed.Shares
	LastWithdrawRequestValue  fixed.Quote  // vault value frozen at request time
	LastWithdrawRequestTs     int64
}
