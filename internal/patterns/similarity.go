package patterns

import "math"

// Similarity weights. They sum to 1.0 when every field is present on both
// sides; absent fields drop out of both numerator and denominator so
// partial records are compared on what they share.
const (
	weightCloseButton   = 0.15
	weightContainsAds   = 0.25
	weightExternalLinks = 0.20
	weightIsModal       = 0.15
	weightZIndex        = 0.10
	weightDimensions    = 0.15

	// zIndexDecayRange: zIndex credit decays linearly to zero across this
	// many stacking units.
	zIndexDecayRange = 1000.0

	// dimensionTolerance: per-axis relative difference inside which an axis
	// still gets full credit; beyond it credit decays linearly to zero at
	// 100% deviation.
	dimensionTolerance = 0.20
)

// Similarity computes the weighted similarity between two trait views.
// Result is in [0, 1]. Returns 0 when the two sides share no fields.
func Similarity(a, b Traits) float64 {
	var matched, applicable float64

	boolField := func(x, y *bool, w float64) {
		if x == nil || y == nil {
			return
		}
		applicable += w
		if *x == *y {
			matched += w
		}
	}

	boolField(a.HasCloseButton, b.HasCloseButton, weightCloseButton)
	boolField(a.ContainsAds, b.ContainsAds, weightContainsAds)
	boolField(a.HasExternalLinks, b.HasExternalLinks, weightExternalLinks)
	boolField(a.IsModal, b.IsModal, weightIsModal)

	if a.ZIndex != nil && b.ZIndex != nil {
		applicable += weightZIndex
		matched += weightZIndex * zIndexScore(*a.ZIndex, *b.ZIndex)
	}

	if a.Dimensions != nil && b.Dimensions != nil {
		applicable += weightDimensions
		axisW := axisScore(a.Dimensions.Width, b.Dimensions.Width)
		axisH := axisScore(a.Dimensions.Height, b.Dimensions.Height)
		matched += weightDimensions * (axisW + axisH) / 2
	}

	if applicable == 0 {
		return 0
	}
	return matched / applicable
}

// zIndexScore decays linearly from 1 at equal stacking to 0 at a
// zIndexDecayRange difference.
func zIndexScore(a, b float64) float64 {
	diff := math.Abs(a - b)
	if diff >= zIndexDecayRange {
		return 0
	}
	return 1 - diff/zIndexDecayRange
}

// axisScore gives full credit inside the tolerance band and decays linearly
// to 0 at a 100% relative difference.
func axisScore(a, b float64) float64 {
	larger := math.Max(math.Abs(a), math.Abs(b))
	if larger == 0 {
		return 1
	}
	rel := math.Abs(a-b) / larger
	if rel <= dimensionTolerance {
		return 1
	}
	score := 1 - (rel-dimensionTolerance)/(1-dimensionTolerance)
	if score < 0 {
		return 0
	}
	return score
}
