// Package patterns implements the adaptive learning engine.
//
// The store generalizes repeated (characteristics, user decision)
// observations into reusable LearningPattern rules. New candidates are
// matched against stored patterns by weighted similarity; user outcomes
// reinforce, weaken, or flip patterns over time, and a ranked cleanup
// bounds the set under adversarial or novel traffic.
package patterns

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/popupd/internal/scoring"
)

// Pattern store errors.
var (
	ErrInvalidPattern  = errors.New("invalid learning pattern")
	ErrInvalidDecision = errors.New("decision must be 'close' or 'keep'")
)

// Decision is a learnable user decision. Only deliberate outcomes are
// eligible for learning; timeouts, dismissals, and expirations never reach
// this package.
type Decision string

const (
	DecisionClose Decision = "close"
	DecisionKeep  Decision = "keep"
)

// Valid reports whether d is a learnable decision.
func (d Decision) Valid() bool {
	return d == DecisionClose || d == DecisionKeep
}

// Opposite returns the other learnable decision.
func (d Decision) Opposite() Decision {
	if d == DecisionClose {
		return DecisionKeep
	}
	return DecisionClose
}

// Traits is the generalized characteristics view a pattern stores and
// matches against. Fields are pointers so a field absent on either side of
// a comparison is excluded from the similarity computation entirely rather
// than treated as a mismatch.
type Traits struct {
	HasCloseButton   *bool               `json:"has_close_button,omitempty"`
	ContainsAds      *bool               `json:"contains_ads,omitempty"`
	HasExternalLinks *bool               `json:"has_external_links,omitempty"`
	IsModal          *bool               `json:"is_modal,omitempty"`
	ZIndex           *float64            `json:"z_index,omitempty"`
	Dimensions       *scoring.Dimensions `json:"dimensions,omitempty"`
}

// TraitsOf projects normalized characteristics onto the trait view used for
// matching. All fields are present on a freshly extracted candidate.
func TraitsOf(c scoring.Characteristics) Traits {
	z := float64(c.ZIndex)
	dims := c.Dimensions
	return Traits{
		HasCloseButton:   boolPtr(c.HasCloseButton),
		ContainsAds:      boolPtr(c.ContainsAds),
		HasExternalLinks: boolPtr(c.HasExternalLinks),
		IsModal:          boolPtr(c.IsModal),
		ZIndex:           &z,
		Dimensions:       &dims,
	}
}

func boolPtr(b bool) *bool { return &b }

// LearningPattern is one learned rule: a trait centroid, the decision users
// made for elements like it, and a confidence that moves with agreement.
type LearningPattern struct {
	// PatternID is the unique pattern identifier (UUID).
	PatternID string `json:"pattern_id"`

	// Domain is the site the pattern was first observed on.
	Domain string `json:"domain"`

	// Traits is the generalized characteristics centroid. Numeric fields
	// drift toward the population mean as matches accumulate.
	Traits Traits `json:"traits"`

	// UserDecision is the decision this pattern predicts.
	UserDecision Decision `json:"user_decision"`

	// Confidence in [0, 1]. Reinforced by agreeing decisions, weakened by
	// contradicting ones; the pattern flips when it falls far enough.
	Confidence float64 `json:"confidence"`

	// Occurrences counts observations folded into this pattern (>= 1).
	Occurrences int `json:"occurrences"`

	// LastSeen is when the pattern last matched a recorded decision.
	LastSeen time.Time `json:"last_seen"`

	// CreatedAt is when the pattern was first created.
	CreatedAt time.Time `json:"created_at"`
}

// NewLearningPattern creates a pattern from a first observation.
func NewLearningPattern(c scoring.Characteristics, decision Decision, domain string, initialConfidence float64, now time.Time) (*LearningPattern, error) {
	if !decision.Valid() {
		return nil, ErrInvalidDecision
	}
	return &LearningPattern{
		PatternID:    uuid.New().String(),
		Domain:       domain,
		Traits:       TraitsOf(c),
		UserDecision: decision,
		Confidence:   initialConfidence,
		Occurrences:  1,
		LastSeen:     now,
		CreatedAt:    now,
	}, nil
}

// Validate checks pattern invariants. Malformed records are rejected before
// they reach the store or persistence; the store never silently accepts a
// corrupt entry.
func (p *LearningPattern) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil pattern", ErrInvalidPattern)
	}
	if p.PatternID == "" {
		return fmt.Errorf("%w: missing pattern ID", ErrInvalidPattern)
	}
	if !p.UserDecision.Valid() {
		return fmt.Errorf("%w: decision %q", ErrInvalidPattern, p.UserDecision)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("%w: confidence %f outside [0, 1]", ErrInvalidPattern, p.Confidence)
	}
	if p.Occurrences < 1 {
		return fmt.Errorf("%w: occurrences %d < 1", ErrInvalidPattern, p.Occurrences)
	}
	if p.LastSeen.IsZero() {
		return fmt.Errorf("%w: missing last_seen", ErrInvalidPattern)
	}
	return nil
}

// absorb folds a new observation into the pattern centroid.
//
// Numeric fields are incrementally averaged so the pattern drifts toward
// the population mean. Boolean fields only adopt the new value while the
// pattern is young (occurrences <= 2); after that the early majority wins.
// Occurrences must already have been incremented by the caller.
func (p *LearningPattern) absorb(t Traits) {
	n := float64(p.Occurrences)

	if t.ZIndex != nil {
		if p.Traits.ZIndex == nil {
			p.Traits.ZIndex = t.ZIndex
		} else {
			avg := *p.Traits.ZIndex + (*t.ZIndex-*p.Traits.ZIndex)/n
			p.Traits.ZIndex = &avg
		}
	}
	if t.Dimensions != nil {
		if p.Traits.Dimensions == nil {
			d := *t.Dimensions
			p.Traits.Dimensions = &d
		} else {
			d := scoring.Dimensions{
				Width:  p.Traits.Dimensions.Width + (t.Dimensions.Width-p.Traits.Dimensions.Width)/n,
				Height: p.Traits.Dimensions.Height + (t.Dimensions.Height-p.Traits.Dimensions.Height)/n,
			}
			p.Traits.Dimensions = &d
		}
	}

	if p.Occurrences <= 2 {
		if t.HasCloseButton != nil {
			p.Traits.HasCloseButton = t.HasCloseButton
		}
		if t.ContainsAds != nil {
			p.Traits.ContainsAds = t.ContainsAds
		}
		if t.HasExternalLinks != nil {
			p.Traits.HasExternalLinks = t.HasExternalLinks
		}
		if t.IsModal != nil {
			p.Traits.IsModal = t.IsModal
		}
	}
}
