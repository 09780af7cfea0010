package market

import "errors"

// ErrMarketNotActive is returned when an operation that opens new risk is
// attempted against a market that is not in StatusActive.
var ErrMarketNotActive = errors.New("market: not active")

// Status is the perp-market lifecycle state.
//
//	Initialized -> Active <-> ReduceOnly -> Settlement -> Delisted
//
// Settlement is terminal for trading: only liquidation and settlement
// operations remain valid, and all PnL is valued at the pinned ExpiryPrice
// instead of the live oracle.
type Status int32

const (
	StatusInitialized Status = iota
	StatusActive
	StatusReduceOnly
	StatusSettlement
	StatusDelisted
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "Initialized"
	case StatusActive:
		return "Active"
	case StatusReduceOnly:
		return "ReduceOnly"
	case StatusSettlement:
		return "Settlement"
	case StatusDelisted:
		return "Delisted"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates lifecycle transitions.
func (s Status) CanTransitionTo(next Status) bool {
	validTransitions := map[Status][]Status{
		StatusInitialized: {
			StatusActive,
		},
		StatusActive: {
			StatusReduceOnly,
		},
		StatusReduceOnly: {
			StatusActive, // schedule cancelled
			StatusSettlement,
		},
		StatusSettlement: {
			StatusDelisted,
		},
		StatusDelisted: {},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// AllowsNewRisk reports whether risk-increasing positions may be opened.
func (s Status) AllowsNewRisk() bool {
	return s == StatusActive
}

// AllowsTrading reports whether any trading (including reduce-only fills) is
// permitted.
func (s Status) AllowsTrading() bool {
	return s == StatusActive || s == StatusReduceOnly
}
