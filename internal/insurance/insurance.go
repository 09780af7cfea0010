// Package insurance covers the pnl-pool deficit accounting and the
// insurance-fund share math (stake, unstake escrow, cancellation).
//
// Share conversions are deliberately lossy in the fund's favor: value-out
// floors, shares-in ceils, so round-tripping can only ever shrink a stake.
package insurance

import (
	"errors"
	"fmt"

	"PerpQuote/internal/fixed"
	"PerpQuote/internal/market"
	"PerpQuote/internal/oracle"
	"PerpQuote/internal/spot"
)

var (
	// ErrRevenueSettleExceedsPeriodLimit means this period's revenue-withdraw
	// allowance is exhausted; retry next period.
	ErrRevenueSettleExceedsPeriodLimit = errors.New("insurance: revenue settle exceeds period limit")

	// ErrInvalidOracleForSettlement means the oracle failed the
	// settlement-grade divergence/staleness rails.
	ErrInvalidOracleForSettlement = errors.New("insurance: oracle invalid for settlement")

	// ErrInsufficientSharesForRequest means an unstake request names more
	// shares than the stake holds.
	ErrInsufficientSharesForRequest = errors.New("insurance: insufficient shares for request")

	// ErrUnstakeEscrowActive means the unstaking period has not elapsed yet.
	ErrUnstakeEscrowActive = errors.New("insurance: unstake escrow still active")
)

// SharesToAmount values shares against the vault, flooring so the fund keeps
// the dust.
func SharesToAmount(shares, totalShares fixed.Shares, vault fixed.Quote) (fixed.Quote, error) {
	if totalShares <= 0 {
		return 0, nil
	}
	amount, err := fixed.MulDiv(int64(shares), int64(vault), int64(totalShares))
	if err != nil {
		return 0, err
	}
	return fixed.Quote(fixed.MaxInt64(0, amount)), nil
}

// AmountToShares is the inverse conversion, ceiling so a staker never ends up
// with more shares than the amount justifies after a round trip.
func AmountToShares(amount fixed.Quote, totalShares fixed.Shares, vault fixed.Quote) (fixed.Shares, error) {
	if vault <= 0 || totalShares <= 0 {
		// Bootstrapping an empty fund: 1 share per token.
		return fixed.Shares(amount), nil
	}
	shares, err := fixed.MulDivUp(int64(amount), int64(totalShares), int64(vault))
	if err != nil {
		return 0, err
	}
	return fixed.Shares(shares), nil
}

// RequestUnstake freezes an unstake request on the stake: shares stay in
// place (they burn only on completion), but their current vault value is
// pinned so escrow-window gains accrue to the fund, not the leaver.
func RequestUnstake(
	stake *market.InsuranceFundStake,
	shares fixed.Shares,
	fund *market.InsuranceFund,
	nowTs int64,
) (*market.InsuranceFundStake, error) {
	if shares <= 0 || shares > stake.Shares {
		return nil, fmt.Errorf("request %d of %d shares: %w",
			shares, stake.Shares, ErrInsufficientSharesForRequest)
	}
	value, err := SharesToAmount(shares, fund.TotalShares, fund.Vault)
	if err != nil {
		return nil, err
	}

	out := *stake
	out.LastWithdrawRequestShares = shares
	out.LastWithdrawRequestValue = value
	out.LastWithdrawRequestTs = nowTs
	return &out, nil
}

// CancelUnstakeRequest clears a pending request. The requested slice is
// re-priced at the frozen request value: if the vault grew during escrow the
// staker gets back fewer shares than they requested, forfeiting the gain.
// Returns the updated stake and the share count forfeited (burned from both
// the stake and the fund totals by the caller).
func CancelUnstakeRequest(
	stake *market.InsuranceFundStake,
	fund *market.InsuranceFund,
) (*market.InsuranceFundStake, fixed.Shares, error) {
	out := *stake
	if stake.LastWithdrawRequestShares == 0 {
		return &out, 0, nil
	}

	repriced, err := AmountToShares(stake.LastWithdrawRequestValue, fund.TotalShares, fund.Vault)
	if err != nil {
		return nil, 0, err
	}
	lost := fixed.Shares(fixed.MaxInt64(0, int64(stake.LastWithdrawRequestShares)-int64(repriced)))

	out.Shares -= lost
	out.LastWithdrawRequestShares = 0
	out.LastWithdrawRequestValue = 0
	out.LastWithdrawRequestTs = 0
	return &out, lost, nil
}

// Unstake completes a matured request: burns the requested shares and pays
// out the lesser of the frozen value and the shares' current value. Escrow
// gains are forfeited, losses are shared.
func Unstake(
	stake *market.InsuranceFundStake,
	fund *market.InsuranceFund,
	nowTs int64,
) (*market.InsuranceFundStake, fixed.Quote, error) {
	if stake.LastWithdrawRequestShares == 0 {
		return nil, 0, fmt.Errorf("no pending request: %w", ErrInsufficientSharesForRequest)
	}
	if nowTs < stake.LastWithdrawRequestTs+fund.UnstakingPeriod {
		return nil, 0, fmt.Errorf("escrow active until %d (now %d): %w",
			stake.LastWithdrawRequestTs+fund.UnstakingPeriod, nowTs, ErrUnstakeEscrowActive)
	}

	currentValue, err := SharesToAmount(stake.LastWithdrawRequestShares, fund.TotalShares, fund.Vault)
	if err != nil {
		return nil, 0, err
	}
	payout := fixed.Quote(fixed.MinInt64(int64(stake.LastWithdrawRequestValue), int64(currentValue)))

	out := *stake
	out.Shares -= stake.LastWithdrawRequestShares
	out.LastWithdrawRequestShares = 0
	out.LastWithdrawRequestValue = 0
	out.LastWithdrawRequestTs = 0
	return &out, payout, nil
}

// NetUserPnlImbalance is how far the pnl owed to users exceeds what the
// market can pay from its pnl pool plus a conservative slice of its fee
// pool. Positive means the market is underwater and may claim insurance.
func NetUserPnlImbalance(
	perp *market.PerpMarket,
	quoteSpot *market.SpotMarket,
	oraclePrice fixed.Price,
) (fixed.Quote, error) {
	if oraclePrice <= 0 {
		return 0, fmt.Errorf("pnl imbalance: oracle price %d: %w", oraclePrice, fixed.ErrDivideByZero)
	}

	// Net pnl users would realize closing at oracle: mark value of their net
	// base plus their aggregate cost basis.
	markValue, err := fixed.MulDiv(
		int64(perp.AMM.BaseAssetAmountWithAMM),
		int64(oraclePrice),
		fixed.BaseToQuoteRatio*fixed.PricePrecision,
	)
	if err != nil {
		return 0, err
	}
	netUserPnl := markValue + int64(perp.AMM.QuoteAssetAmount)

	pnlPool, err := spot.TokenAmount(perp.PnlPoolBalance, quoteSpot.CumulativeDepositInterest, quoteSpot.Decimals, market.Deposit)
	if err != nil {
		return 0, err
	}
	feePool, err := spot.TokenAmount(perp.AMM.FeePoolBalance, quoteSpot.CumulativeDepositInterest, quoteSpot.Decimals, market.Deposit)
	if err != nil {
		return 0, err
	}

	// Only a fifth of the fee pool backs user pnl; the rest stays earmarked
	// for repeg budgets and funding shortfalls.
	return fixed.Quote(netUserPnl - int64(pnlPool) - int64(feePool)/5), nil
}

// DeficitResolution is the outcome of one ResolvePerpPnlDeficit call. The
// caller applies Transfer to the vault and pnl pool and writes back the
// throttle fields.
type DeficitResolution struct {
	Transfer fixed.Quote

	RevenueWithdrawSinceLastSettle fixed.Quote
	LastRevenueWithdrawTs          int64
}

// ResolvePerpPnlDeficit sizes an insurance-vault draw against a pnl deficit,
// throttled by the market's per-period withdraw allowance and capped by both
// the vault balance and the market's lifetime insurance claim.
func ResolvePerpPnlDeficit(
	perp *market.PerpMarket,
	quoteSpot *market.SpotMarket,
	d *oracle.PriceData,
	rails oracle.GuardRails,
	nowSlot uint64,
	nowTs int64,
) (*DeficitResolution, error) {
	if err := d.Validate(rails, perp.ContractTier, perp.AMM.HistoricalOracleData, nowSlot); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOracleForSettlement, err)
	}
	if oracle.TooDivergent(&perp.AMM, d, rails, nowTs) {
		return nil, fmt.Errorf("oracle diverged from 5min twap: %w", ErrInvalidOracleForSettlement)
	}

	imbalance, err := NetUserPnlImbalance(perp, quoteSpot, d.Price)
	if err != nil {
		return nil, err
	}
	if imbalance <= 0 {
		return &DeficitResolution{
			RevenueWithdrawSinceLastSettle: perp.RevenueWithdrawSinceLastSettle,
			LastRevenueWithdrawTs:          perp.LastRevenueWithdrawTs,
		}, nil
	}

	// Per-period throttle window, keyed off the last withdraw timestamp.
	spent := int64(perp.RevenueWithdrawSinceLastSettle)
	if perp.RevenueWithdrawPeriod > 0 &&
		nowTs >= perp.LastRevenueWithdrawTs+perp.RevenueWithdrawPeriod {
		spent = 0
	}
	allowance := int64(perp.MaxRevenueWithdrawPerPeriod) - spent
	if allowance <= 0 {
		return nil, fmt.Errorf("withdrew %d of %d this period: %w",
			spent, perp.MaxRevenueWithdrawPerPeriod, ErrRevenueSettleExceedsPeriodLimit)
	}

	claimRemaining := int64(perp.InsuranceClaim.QuoteMaxInsurance) -
		int64(perp.InsuranceClaim.QuoteSettledInsurance)
	vault := int64(quoteSpot.InsuranceFund.Vault)

	transfer := fixed.MinInt64(int64(imbalance), allowance)
	transfer = fixed.MinInt64(transfer, fixed.MaxInt64(0, claimRemaining))
	transfer = fixed.MinInt64(transfer, fixed.MaxInt64(0, vault))

	// A zero draw (empty vault, exhausted claim) must not extend the throttle
	// window, or polling would hold a spent allowance open forever.
	lastTs := perp.LastRevenueWithdrawTs
	if transfer > 0 {
		lastTs = nowTs
	}

	return &DeficitResolution{
		Transfer:                       fixed.Quote(transfer),
		RevenueWithdrawSinceLastSettle: fixed.Quote(spent + transfer),
		LastRevenueWithdrawTs:          lastTs,
	}, nil
}
