package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intrusiveCandidate() *Characteristics {
	c := Characteristics{
		Position:       PositionFixed,
		ZIndex:         9999,
		Visible:        true,
		Dimensions:     Dimensions{Width: 400, Height: 300},
		HasCloseButton: true,
		ContainsAds:    true,
		HasBoxShadow:   true,
		HasBorder:      true,
		Opacity:        1,
	}
	c = c.Normalize(Dimensions{Width: 1920, Height: 1080})
	return &c
}

func TestAnalyzeNilInput(t *testing.T) {
	s := NewScorer(0.6)

	_, err := s.Analyze(nil)
	require.ErrorIs(t, err, ErrNoCharacteristics)
}

func TestAnalyzeIntrusiveCandidate(t *testing.T) {
	s := NewScorer(0.6)

	result, err := s.Analyze(intrusiveCandidate())
	require.NoError(t, err)

	// fixed(20) + zIndex(20) + shadow(10) + border(5) + modal(10) +
	// close(15) + ads(10) = 90 points.
	assert.InDelta(t, 0.9, result.Confidence, 1e-9)
	assert.Greater(t, result.Confidence, 0.8)
	assert.True(t, result.IsLikelyPopup)
	assert.False(t, result.Timestamp.IsZero())
}

func TestAnalyzeBenignCandidate(t *testing.T) {
	s := NewScorer(0.6)

	c := Characteristics{
		Position:   PositionStatic,
		ZIndex:     1,
		Visible:    true,
		Dimensions: Dimensions{Width: 600, Height: 200},
		Opacity:    1,
	}

	result, err := s.Analyze(&c)
	require.NoError(t, err)
	assert.Less(t, result.Confidence, 0.2)
	assert.False(t, result.IsLikelyPopup)
}

func TestAnalyzeConfidenceBounds(t *testing.T) {
	s := NewScorer(0.6)

	// Every signal lit at once: the raw sum exceeds nothing (max is 100)
	// but the clamp must hold regardless.
	c := intrusiveCandidate()
	c.HasExternalLinks = true
	c.Opacity = 0.95

	result, err := s.Analyze(c)
	require.NoError(t, err)
	assert.LessOrEqual(t, result.Confidence, 1.0)
	assert.GreaterOrEqual(t, result.Confidence, 0.0)
}

func TestAnalyzeThresholdBoundaryIsExclusive(t *testing.T) {
	// 60 points exactly: fixed(20) + zIndex high(20) + shadow(10) +
	// border(5) + external link(5). Confidence 0.6 is NOT likely; the
	// gate is strict.
	s := NewScorer(0.6)
	c := Characteristics{
		Position:         PositionFixed,
		ZIndex:           2000,
		Visible:          true,
		Dimensions:       Dimensions{Width: 100, Height: 100},
		HasBoxShadow:     true,
		HasBorder:        true,
		HasExternalLinks: true,
		Opacity:          1,
	}

	result, err := s.Analyze(&c)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, result.Confidence, 1e-9)
	assert.False(t, result.IsLikelyPopup)
}

func TestAnalyzeCloseMarkerHeuristics(t *testing.T) {
	s := NewScorer(0.6)

	tests := []struct {
		name string
		c    Characteristics
		want bool
	}{
		{"explicit flag", Characteristics{HasCloseButton: true}, true},
		{"text marker", Characteristics{Text: "Special offer! Close"}, true},
		{"multiplication sign", Characteristics{Text: "×"}, true},
		{"japanese marker", Characteristics{Text: "閉じる"}, true},
		{"class marker", Characteristics{Classes: "modal-close-btn"}, true},
		{"no marker", Characteristics{Text: "subscribe to newsletter"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, err := s.Analyze(&Characteristics{})
			require.NoError(t, err)

			result, err := s.Analyze(&tt.c)
			require.NoError(t, err)

			if tt.want {
				assert.InDelta(t, float64(pointsCloseButton)/100, result.Confidence-base.Confidence, 1e-9)
			} else {
				assert.InDelta(t, base.Confidence, result.Confidence, 1e-9)
			}
		})
	}
}

func TestAnalyzeAdMarkerHeuristics(t *testing.T) {
	tests := []struct {
		name string
		c    Characteristics
		want bool
	}{
		{"explicit flag", Characteristics{ContainsAds: true}, true},
		{"class token", Characteristics{Classes: "sidebar ad-container"}, true},
		{"element id", Characteristics{ElementID: "banner_top"}, true},
		{"text substring", Characteristics{Text: "This advertisement supports our site"}, true},
		{"token boundary respected", Characteristics{Classes: "header-gradient"}, false},
		{"clean element", Characteristics{Classes: "article-body"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.c.hasAdMarker()
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	s := NewScorer(0.6)
	c := intrusiveCandidate()

	first, err := s.Analyze(c)
	require.NoError(t, err)
	second, err := s.Analyze(c)
	require.NoError(t, err)

	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, first.IsLikelyPopup, second.IsLikelyPopup)
}
