package quality

import "github.com/menta2k/face-capture/pkg/types"

// TierInfo describes how a tier is displayed
type TierInfo struct {
	Tier  types.Tier
	Label string
	Color string
}

var tiers = []struct {
	min  float64
	info TierInfo
}{
	{80, TierInfo{types.TierExcellent, "Excellent", "#22c55e"}},
	{60, TierInfo{types.TierGood, "Good", "#84cc16"}},
	{40, TierInfo{types.TierFair, "Fair", "#eab308"}},
	{20, TierInfo{types.TierPoor, "Poor", "#f97316"}},
}

var veryPoor = TierInfo{types.TierVeryPoor, "Very poor", "#ef4444"}

// TierFor returns the tier a score falls into
func TierFor(score float64) types.Tier {
	return Describe(score).Tier
}

// Describe returns the tier and display attributes for a score
func Describe(score float64) TierInfo {
	for _, t := range tiers {
		if score >= t.min {
			return t.info
		}
	}
	return veryPoor
}
