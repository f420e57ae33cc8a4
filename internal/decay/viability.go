package decay

import "github.com/mindfry/mindfry/internal/trit"

// DefaultObsolescenceMargin is the half-width of the Unstable band used
// when personality is unavailable (e.g. unit tests that do not wire a
// cortex). Personality-aware callers should use MarginFor instead.
const DefaultObsolescenceMargin = 0.1

// Viability classifies a lineage's derived energy against its threshold
// into the cortex's ternary GC verdict (spec §4.D):
//
//	+1 Stable   — derived energy ≥ threshold
//	 0 Unstable  — derived energy ∈ [threshold·(1−margin), threshold)
//	−1 Obsolete  — otherwise
func Viability(derivedEnergy, threshold, margin float64) trit.Trit {
	switch {
	case derivedEnergy >= threshold:
		return trit.Positive
	case derivedEnergy >= threshold*(1-margin):
		return trit.Neutral
	default:
		return trit.Negative
	}
}

// MarginFor computes the personality-modulated Unstable-band half-width.
// Spec §9 Open Questions leaves the exact formula unpublished and directs
// implementers to "use Preservation·0.1 as the half-width unless a tighter
// spec is stated"; MindFry additionally lets a high Efficiency personality
// narrow that band back down, since a memory substrate tuned for
// efficiency should archive obsolete lineages more eagerly.
func MarginFor(personality trit.Octet) float64 {
	preservation := personality[trit.DimPreservation]
	efficiency := personality[trit.DimEfficiency]
	margin := DefaultObsolescenceMargin * (1 + preservation) * (1 - 0.5*efficiency)
	if margin < 0 {
		margin = 0
	}
	return margin
}
