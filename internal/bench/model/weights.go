package model

import "math"

// DefaultWeightTolerance is how far rubric weights may drift from summing
// to 1.0 before they are renormalized.
const DefaultWeightTolerance = 0.1

// NormalizeWeights returns a copy of rubrics whose weights sum to 1.0 when
// the original sum falls outside the tolerance. A non-positive tolerance
// falls back to DefaultWeightTolerance. Rubrics whose weights sum to zero
// are given equal weights.
func NormalizeWeights(rubrics []Rubric, tolerance float64) []Rubric {
	if len(rubrics) == 0 {
		return nil
	}
	if tolerance <= 0 {
		tolerance = DefaultWeightTolerance
	}

	total := 0.0
	for _, r := range rubrics {
		total += r.Weight
	}

	out := make([]Rubric, len(rubrics))
	copy(out, rubrics)

	if math.Abs(total-1.0) <= tolerance {
		return out
	}

	if total <= 0 {
		equal := 1.0 / float64(len(out))
		for i := range out {
			out[i].Weight = equal
		}
		return out
	}

	for i := range out {
		out[i].Weight /= total
	}
	return out
}
