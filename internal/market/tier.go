package market

// ContractTier grades a perp market's collateralization quality. It widens
// the acceptable oracle confidence interval and scales margin haircuts for
// speculative listings.
type ContractTier int32

const (
	TierA ContractTier = iota
	TierB
	TierC
	TierSpeculative
	TierIsolated
)

func (t ContractTier) String() string {
	switch t {
	case TierA:
		return "A"
	case TierB:
		return "B"
	case TierC:
		return "C"
	case TierSpeculative:
		return "Speculative"
	case TierIsolated:
		return "Isolated"
	default:
		return "Unknown"
	}
}

// MaxConfidenceMultiplier is the factor applied to the oracle guard rail's
// confidence-interval ceiling for this tier.
func (t ContractTier) MaxConfidenceMultiplier() int64 {
	switch t {
	case TierA, TierB:
		return 1
	case TierC:
		return 2
	case TierSpeculative:
		return 10
	default:
		return 50
	}
}
