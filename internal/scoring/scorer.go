package scoring

import "time"

// AnalysisResult is the scorer's verdict for one candidate.
type AnalysisResult struct {
	// Characteristics is the normalized input the verdict was computed from.
	Characteristics Characteristics `json:"characteristics"`

	// Confidence is the rubric score normalized to [0, 1].
	Confidence float64 `json:"confidence"`

	// IsLikelyPopup is true when Confidence exceeds the configured threshold.
	IsLikelyPopup bool `json:"isLikelyPopup"`

	// Timestamp is when the analysis ran.
	Timestamp time.Time `json:"timestamp"`
}

// Rubric point values. The rubric totals 100 points across three groups;
// the final confidence is points/100 clamped to 1.0.
const (
	pointsPositionFixed    = 20
	pointsPositionAbsolute = 10
	pointsZIndexHigh       = 20 // zIndex > 1000
	pointsZIndexElevated   = 10 // zIndex > 100
	pointsBoxShadow        = 10
	pointsBorder           = 5
	pointsNearOpaque       = 5 // opacity in (0.8, 1)
	pointsModalShape       = 10
	pointsCloseButton      = 15
	pointsAdContent        = 10
	pointsExternalLink     = 5
)

// Scorer applies the confidence rubric. Stateless; safe for concurrent use.
type Scorer struct {
	likelyThreshold float64
	now             func() time.Time
}

// NewScorer creates a scorer. likelyThreshold is the confidence above which
// a candidate is flagged as a likely popup (0.6 by default configuration).
func NewScorer(likelyThreshold float64) *Scorer {
	return &Scorer{
		likelyThreshold: likelyThreshold,
		now:             time.Now,
	}
}

// Analyze scores a candidate against the rubric.
//
// The rubric awards up to 40 points for position/stacking, 30 for visual
// prominence, and 30 for content signals. Raw sums above 100 clamp to a
// confidence of 1.0. The input is not mutated.
func (s *Scorer) Analyze(c *Characteristics) (*AnalysisResult, error) {
	if c == nil {
		return nil, ErrNoCharacteristics
	}

	points := 0

	// Position/layout group (max 40).
	switch c.Position {
	case PositionFixed:
		points += pointsPositionFixed
	case PositionAbsolute:
		points += pointsPositionAbsolute
	}
	switch {
	case c.ZIndex > 1000:
		points += pointsZIndexHigh
	case c.ZIndex > 100:
		points += pointsZIndexElevated
	}

	// Visual group (max 30).
	if c.HasBoxShadow {
		points += pointsBoxShadow
	}
	if c.HasBorder {
		points += pointsBorder
	}
	if c.Opacity > 0.8 && c.Opacity < 1 {
		points += pointsNearOpaque
	}
	if c.IsModal {
		points += pointsModalShape
	}

	// Content group (max 30).
	if c.hasCloseMarker() {
		points += pointsCloseButton
	}
	if c.hasAdMarker() {
		points += pointsAdContent
	}
	if c.HasExternalLinks {
		points += pointsExternalLink
	}

	confidence := float64(points) / 100.0
	if confidence > 1 {
		confidence = 1
	}

	return &AnalysisResult{
		Characteristics: *c,
		Confidence:      confidence,
		IsLikelyPopup:   confidence > s.likelyThreshold,
		Timestamp:       s.now(),
	}, nil
}
