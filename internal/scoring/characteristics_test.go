package scoring

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZIndexUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ZIndex
	}{
		{"number", `1000`, 1000},
		{"float", `999.7`, 999},
		{"numeric string", `"2147483647"`, 2147483647},
		{"padded string", `" 42 "`, 42},
		{"auto", `"auto"`, 0},
		{"empty string", `""`, 0},
		{"null", `null`, 0},
		{"negative", `-5`, -5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var z ZIndex
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &z))
			assert.Equal(t, tt.want, z)
		})
	}
}

func TestNormalizeClampsOpacity(t *testing.T) {
	c := Characteristics{Opacity: 1.7, Visible: true, Dimensions: Dimensions{Width: 10, Height: 10}}
	assert.InDelta(t, 1.0, c.Normalize(Dimensions{}).Opacity, 1e-9)

	c.Opacity = -0.3
	assert.InDelta(t, 0.0, c.Normalize(Dimensions{}).Opacity, 1e-9)
}

func TestNormalizeZeroAreaIsInvisible(t *testing.T) {
	c := Characteristics{
		Visible:    true,
		Opacity:    1,
		Dimensions: Dimensions{Width: 0, Height: 300},
	}
	assert.False(t, c.Normalize(Dimensions{Width: 1920, Height: 1080}).Visible)
}

func TestNormalizeDerivesModal(t *testing.T) {
	c := Characteristics{
		Position:   PositionFixed,
		ZIndex:     1500,
		Dimensions: Dimensions{Width: 400, Height: 300},
	}
	assert.True(t, c.Normalize(Dimensions{}).IsModal)

	// Too small for the modal shape.
	c.Dimensions = Dimensions{Width: 150, Height: 100}
	assert.False(t, c.Normalize(Dimensions{}).IsModal)

	// Not fixed.
	c = Characteristics{Position: PositionAbsolute, ZIndex: 1500, Dimensions: Dimensions{Width: 400, Height: 300}}
	assert.False(t, c.Normalize(Dimensions{}).IsModal)
}

func TestNormalizeDerivesOverlay(t *testing.T) {
	viewport := Dimensions{Width: 1000, Height: 1000}

	full := Characteristics{
		Position:   PositionFixed,
		ZIndex:     500,
		Opacity:    0.95,
		Dimensions: Dimensions{Width: 1000, Height: 800},
	}
	got := full.Normalize(viewport)
	assert.True(t, got.IsOverlay)
	assert.True(t, got.BlocksContent)

	// Under half the viewport: not an overlay.
	small := Characteristics{
		Position:   PositionFixed,
		ZIndex:     500,
		Opacity:    0.95,
		Dimensions: Dimensions{Width: 400, Height: 300},
	}
	got = small.Normalize(viewport)
	assert.False(t, got.IsOverlay)
	assert.False(t, got.BlocksContent)

	// Translucent curtain covers the viewport but does not block.
	dim := Characteristics{
		Position:   PositionFixed,
		ZIndex:     500,
		Opacity:    0.5,
		Dimensions: Dimensions{Width: 1000, Height: 1000},
	}
	got = dim.Normalize(viewport)
	assert.True(t, got.IsOverlay)
	assert.False(t, got.BlocksContent)
}

func TestNormalizeKeepsExtractorFlagsWithoutViewport(t *testing.T) {
	c := Characteristics{
		Position:      PositionFixed,
		ZIndex:        500,
		IsOverlay:     true,
		BlocksContent: true,
		Dimensions:    Dimensions{Width: 10, Height: 10},
	}
	got := c.Normalize(Dimensions{})
	assert.True(t, got.IsOverlay)
	assert.True(t, got.BlocksContent)
}

func TestNormalizeDoesNotMutateReceiver(t *testing.T) {
	c := Characteristics{Opacity: 2, Visible: true}
	_ = c.Normalize(Dimensions{})
	assert.InDelta(t, 2.0, c.Opacity, 1e-9)
}
