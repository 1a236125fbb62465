// Package scoring turns extracted element characteristics into a popup
// confidence verdict.
//
// The extractor runs in the browser and is outside this process; popupd
// receives its output as a Characteristics record, normalizes it, and runs
// the weighted rubric over it. Analysis is deterministic and side-effect
// free so the same candidate always scores the same.
package scoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Scoring errors.
var (
	// ErrNoCharacteristics is returned when analysis is requested without input.
	ErrNoCharacteristics = errors.New("characteristics cannot be nil")
)

// Position is the CSS position of a candidate element.
type Position string

const (
	PositionStatic   Position = "static"
	PositionRelative Position = "relative"
	PositionAbsolute Position = "absolute"
	PositionFixed    Position = "fixed"
	PositionSticky   Position = "sticky"
)

// ZIndex is an int that tolerates the junk CSS produces: numbers, numeric
// strings, "auto", or nothing at all. Anything unparsable decodes to 0.
type ZIndex int

// UnmarshalJSON implements json.Unmarshaler.
func (z *ZIndex) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*z = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*z = 0
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			*z = 0
			return nil
		}
		*z = ZIndex(n)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		*z = 0
		return nil
	}
	*z = ZIndex(int(f))
	return nil
}

// Dimensions is an element or viewport bounding box in CSS pixels.
type Dimensions struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns width × height.
func (d Dimensions) Area() float64 {
	return d.Width * d.Height
}

// Characteristics is the normalized description of one candidate element.
//
// Created per detection event by the external extractor and treated as
// immutable by everything downstream; Normalize returns a cleaned copy
// rather than mutating in place.
type Characteristics struct {
	Position         Position   `json:"position"`
	ZIndex           ZIndex     `json:"zIndex"`
	Visible          bool       `json:"visible"`
	Dimensions       Dimensions `json:"dimensions"`
	HasCloseButton   bool       `json:"hasCloseButton"`
	ContainsAds      bool       `json:"containsAds"`
	HasExternalLinks bool       `json:"hasExternalLinks"`
	HasFormElements  bool       `json:"hasFormElements"`
	IsModal          bool       `json:"isModal"`
	IsOverlay        bool       `json:"isOverlay"`
	BlocksContent    bool       `json:"blocksContent"`
	Opacity          float64    `json:"opacity"`

	// Raw element hints the content heuristics run over. Optional; the
	// extracted booleans above stand on their own when these are empty.
	Text         string `json:"text,omitempty"`
	Classes      string `json:"classes,omitempty"`
	ElementID    string `json:"elementId,omitempty"`
	HasBoxShadow bool   `json:"hasBoxShadow"`
	HasBorder    bool   `json:"hasBorder"`
}

// overlayViewportShare is the fraction of the viewport a fixed high-z
// element must cover to count as an overlay.
const overlayViewportShare = 0.5

// Normalize returns a copy with invariants enforced and derived fields set:
//
//   - opacity clamped to [0, 1]
//   - zero-area elements are not visible regardless of display/opacity
//   - isModal from shape (fixed, zIndex > 1000, width > 200, height > 150)
//   - isOverlay when a fixed element with zIndex > 100 covers at least half
//     the viewport; blocksContent additionally needs modal shape or
//     near-full opacity
//
// A zero viewport disables the overlay derivation but keeps the extractor's
// own isOverlay/blocksContent flags.
func (c Characteristics) Normalize(viewport Dimensions) Characteristics {
	if c.Opacity < 0 {
		c.Opacity = 0
	}
	if c.Opacity > 1 {
		c.Opacity = 1
	}
	if c.Dimensions.Area() <= 0 {
		c.Visible = false
	}

	if c.Position == PositionFixed && c.ZIndex > 1000 &&
		c.Dimensions.Width > 200 && c.Dimensions.Height > 150 {
		c.IsModal = true
	}

	if viewport.Area() > 0 && c.Position == PositionFixed && c.ZIndex > 100 {
		if c.Dimensions.Area() >= overlayViewportShare*viewport.Area() {
			c.IsOverlay = true
			if c.IsModal || c.Opacity >= 0.9 {
				c.BlocksContent = true
			}
		}
	}

	return c
}

// closeMarkers are the close-button texts and class fragments the content
// heuristics look for. "閉じる" covers the common Japanese close label.
var closeMarkers = []string{"close", "×", "✕", "dismiss", "閉じる"}

// adKeywords matched as whole tokens in class/id attributes.
var adTokens = map[string]struct{}{
	"ad": {}, "ads": {}, "adv": {}, "advert": {}, "advertisement": {},
	"banner": {}, "sponsor": {}, "sponsored": {}, "promo": {}, "popup": {},
	"adsense": {}, "doubleclick": {}, "taboola": {}, "outbrain": {},
}

// adSubstrings matched anywhere in visible text.
var adSubstrings = []string{"advertisement", "sponsored", "special offer", "promo"}

// hasCloseMarker reports whether the candidate looks closeable: either the
// extractor said so, or its text/classes carry a close marker.
func (c *Characteristics) hasCloseMarker() bool {
	if c.HasCloseButton {
		return true
	}
	haystack := strings.ToLower(c.Text + " " + c.Classes)
	for _, marker := range closeMarkers {
		if strings.Contains(haystack, marker) {
			return true
		}
	}
	return false
}

// hasAdMarker reports whether text/class/id look ad-like.
func (c *Characteristics) hasAdMarker() bool {
	if c.ContainsAds {
		return true
	}
	for _, tok := range tokenize(c.Classes + " " + c.ElementID) {
		if _, ok := adTokens[tok]; ok {
			return true
		}
	}
	text := strings.ToLower(c.Text)
	for _, s := range adSubstrings {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}
