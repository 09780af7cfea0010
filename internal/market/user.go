package market

import (
	"github.com/google/uuid"

	"PerpQuote/internal/fixed"
)

// PerpPosition is a user's exposure in one perp market.
type PerpPosition struct {
	MarketIndex uint16

	BaseAssetAmount  fixed.Base  // signed, long positive
	QuoteAssetAmount fixed.Quote // signed

	// Cost bases: entry excludes fees, break-even includes them.
	QuoteEntryAmount     fixed.Quote
	QuoteBreakEvenAmount fixed.Quote

	LastCumulativeFundingRate fixed.FundingRate
}

// IsFlat reports whether the position has no exposure.
func (p *PerpPosition) IsFlat() bool {
	return p.BaseAssetAmount == 0
}

// SideSign returns +1 for long, -1 for short, 0 for flat.
func (p *PerpPosition) SideSign() int64 {
	return fixed.SignInt64(int64(p.BaseAssetAmount))
}

// SpotPosition is a user's scaled balance in one spot market.
type SpotPosition struct {
	MarketIndex   uint16
	ScaledBalance fixed.Shares
	BalanceType   BalanceType
}

// UserAccount is an immutable snapshot of one user's positions and balances.
// The engine never retains it across calls.
type UserAccount struct {
	UserID        uuid.UUID
	PerpPositions []PerpPosition
	SpotPositions []SpotPosition
}

// PerpPosition returns the position in marketIndex, or nil when flat/absent.
func (u *UserAccount) PerpPosition(marketIndex uint16) *PerpPosition {
	for i := range u.PerpPositions {
		if u.PerpPositions[i].MarketIndex == marketIndex {
			return &u.PerpPositions[i]
		}
	}
	return nil
}

// SpotPosition returns the balance in marketIndex, or nil when absent.
func (u *UserAccount) SpotPosition(marketIndex uint16) *SpotPosition {
	for i := range u.SpotPositions {
		if u.SpotPositions[i].MarketIndex == marketIndex {
			return &u.SpotPositions[i]
		}
	}
	return nil
}
