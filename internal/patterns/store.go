package patterns

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/popupd/internal/config"
	"github.com/fyrsmithlabs/popupd/internal/scoring"
)

// Snapshotter persists the pattern set. Implementations live in
// internal/storage; the store is the sole in-process mutator and writes a
// full snapshot after every mutation.
type Snapshotter interface {
	// SavePatterns replaces the persisted pattern snapshot.
	SavePatterns(ctx context.Context, patterns []*LearningPattern) error

	// LoadPatterns returns the persisted pattern snapshot.
	LoadPatterns(ctx context.Context) ([]*LearningPattern, error)
}

// Match is a successful similarity lookup.
type Match struct {
	Pattern    LearningPattern `json:"pattern"`
	Similarity float64         `json:"similarity"`
}

// Suggestion is a pattern-derived recommendation for a new candidate.
type Suggestion struct {
	// Suggestion is the recommended decision.
	Suggestion Decision `json:"suggestion"`

	// Confidence is the backing pattern's confidence.
	Confidence float64 `json:"confidence"`

	// Similarity between the candidate and the backing pattern.
	Similarity float64 `json:"similarity"`

	// PatternID identifies the backing pattern.
	PatternID string `json:"pattern_id"`

	// Occurrences is how many observations back the pattern.
	Occurrences int `json:"occurrences"`

	// Actionable is true when confidence clears the actionable floor;
	// non-actionable suggestions are advisory and still routed to a
	// manual decision.
	Actionable bool `json:"actionable"`
}

// Store owns the learning pattern set.
//
// All mutation happens under one lock so Record and its trailing cleanup
// are atomic with respect to concurrent lookups. Patterns handed out are
// copies; callers cannot reach the owned records.
type Store struct {
	mu       sync.RWMutex
	patterns map[string]*LearningPattern

	cfg    config.PatternsConfig
	snaps  Snapshotter
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a pattern store. snaps may be nil for a memory-only
// store (tests); logger may be nil.
func NewStore(cfg config.PatternsConfig, snaps Snapshotter, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		patterns: make(map[string]*LearningPattern),
		cfg:      cfg,
		snaps:    snaps,
		logger:   logger,
		now:      time.Now,
	}
}

// Load populates the store from the persisted snapshot. Records that fail
// validation are skipped with a warning; one corrupt entry never poisons
// the rest of the set.
func (s *Store) Load(ctx context.Context) error {
	if s.snaps == nil {
		return nil
	}

	loaded, err := s.snaps.LoadPatterns(ctx)
	if err != nil {
		return fmt.Errorf("failed to load patterns: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := 0
	for _, p := range loaded {
		if err := p.Validate(); err != nil {
			s.logger.Warn("skipping invalid persisted pattern", zap.Error(err))
			continue
		}
		s.patterns[p.PatternID] = p
		kept++
	}

	s.logger.Info("loaded learning patterns",
		zap.Int("kept", kept),
		zap.Int("skipped", len(loaded)-kept),
	)
	return nil
}

// FindMatch returns the best-matching pattern for a candidate, or nil when
// no stored pattern clears the match threshold.
func (s *Store) FindMatch(c scoring.Characteristics) *Match {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bestMatch(TraitsOf(c), s.cfg.MatchThreshold)
}

// Suggest returns a pattern-derived recommendation for a candidate, or nil
// when no pattern clears the stricter suggestion similarity. The
// Actionable flag reports whether the backing confidence also clears the
// actionable floor.
func (s *Store) Suggest(c scoring.Characteristics) *Suggestion {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.bestMatch(TraitsOf(c), s.cfg.SuggestSimilarity)
	if m == nil {
		return nil
	}
	return &Suggestion{
		Suggestion:  m.Pattern.UserDecision,
		Confidence:  m.Pattern.Confidence,
		Similarity:  m.Similarity,
		PatternID:   m.Pattern.PatternID,
		Occurrences: m.Pattern.Occurrences,
		Actionable:  m.Pattern.Confidence >= s.cfg.SuggestConfidence,
	}
}

// bestMatch scans every stored pattern. Callers hold at least a read lock.
func (s *Store) bestMatch(t Traits, threshold float64) *Match {
	var best *LearningPattern
	bestSim := 0.0

	for _, p := range s.patterns {
		sim := Similarity(t, p.Traits)
		if sim > bestSim {
			best = p
			bestSim = sim
		}
	}

	if best == nil || bestSim < threshold {
		return nil
	}
	return &Match{Pattern: *best, Similarity: bestSim}
}

// Record folds a deliberate user decision into the store.
//
// A matching pattern is reinforced (agreeing decision), weakened
// (contradicting decision, flipping once confidence falls below the flip
// floor), and drifted toward the observation; an unmatched observation
// seeds a new pattern. Cleanup runs after every record so the set stays
// bounded, then the snapshot is persisted.
func (s *Store) Record(ctx context.Context, c scoring.Characteristics, decision Decision, domain string) (*LearningPattern, error) {
	if !decision.Valid() {
		return nil, ErrInvalidDecision
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	traits := TraitsOf(c)
	var target *LearningPattern

	if m := s.bestMatch(traits, s.cfg.MatchThreshold); m != nil {
		target = s.patterns[m.Pattern.PatternID]
		s.applyDecision(target, traits, decision, now)
	} else {
		created, err := NewLearningPattern(c, decision, domain, s.cfg.InitialConfidence, now)
		if err != nil {
			return nil, err
		}
		if err := created.Validate(); err != nil {
			return nil, err
		}
		s.patterns[created.PatternID] = created
		target = created
		s.logger.Debug("created learning pattern",
			zap.String("pattern_id", created.PatternID),
			zap.String("domain", domain),
			zap.String("decision", string(decision)),
		)
	}

	s.cleanupLocked(now)

	if err := s.persistLocked(ctx); err != nil {
		return nil, err
	}

	result := *target
	return &result, nil
}

// applyDecision updates a matched pattern in place.
func (s *Store) applyDecision(p *LearningPattern, traits Traits, decision Decision, now time.Time) {
	p.Occurrences++
	p.LastSeen = now

	if decision == p.UserDecision {
		p.Confidence += s.cfg.ReinforceStep
		if p.Confidence > 1 {
			p.Confidence = 1
		}
	} else {
		p.Confidence -= s.cfg.PenaltyStep
		if p.Confidence < s.cfg.MinConfidence {
			p.Confidence = s.cfg.MinConfidence
		}
		if p.Confidence < s.cfg.FlipFloor {
			s.logger.Info("pattern decision flipped",
				zap.String("pattern_id", p.PatternID),
				zap.String("from", string(p.UserDecision)),
				zap.String("to", string(decision)),
			)
			p.UserDecision = decision
			p.Confidence = s.cfg.InitialConfidence
		}
	}

	p.absorb(traits)
}

// Cleanup drops stale and low-confidence patterns and enforces the ranked
// cap. Returns the number of patterns removed. Running it twice in a row
// with no intervening records removes nothing the second time.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.cleanupLocked(s.now())
	if removed > 0 {
		if err := s.persistLocked(ctx); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (s *Store) cleanupLocked(now time.Time) int {
	staleAfter := s.cfg.StaleAfter.Duration()
	before := len(s.patterns)

	for id, p := range s.patterns {
		if now.Sub(p.LastSeen) > staleAfter || p.Confidence < s.cfg.FlipFloor {
			delete(s.patterns, id)
		}
	}

	if len(s.patterns) > s.cfg.MaxPatterns {
		ranked := make([]*LearningPattern, 0, len(s.patterns))
		for _, p := range s.patterns {
			ranked = append(ranked, p)
		}
		sort.Slice(ranked, func(i, j int) bool {
			ri, rj := s.rank(ranked[i], now), s.rank(ranked[j], now)
			if ri != rj {
				return ri > rj
			}
			// Deterministic tiebreak so repeated cleanups agree.
			return ranked[i].PatternID < ranked[j].PatternID
		})
		for _, p := range ranked[s.cfg.MaxPatterns:] {
			delete(s.patterns, p.PatternID)
		}
	}

	removed := before - len(s.patterns)
	if removed > 0 {
		s.logger.Debug("pattern cleanup",
			zap.Int("removed", removed),
			zap.Int("remaining", len(s.patterns)),
		)
	}
	return removed
}

// rank scores a pattern for cap eviction: confident, well-observed,
// recently seen patterns survive.
func (s *Store) rank(p *LearningPattern, now time.Time) float64 {
	age := now.Sub(p.LastSeen).Seconds()
	window := s.cfg.StaleAfter.Duration().Seconds()
	freshness := 1 - age/window
	if freshness < 0 {
		freshness = 0
	}
	return p.Confidence * math.Log(float64(p.Occurrences)+1) * freshness
}

func (s *Store) persistLocked(ctx context.Context) error {
	if s.snaps == nil {
		return nil
	}
	snapshot := make([]*LearningPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		cp := *p
		snapshot = append(snapshot, &cp)
	}
	if err := s.snaps.SavePatterns(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist patterns: %w", err)
	}
	return nil
}

// Count returns the number of stored patterns.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

// Patterns returns a copy of the stored pattern set sorted by descending
// confidence, for statistics and inspection surfaces.
func (s *Store) Patterns() []LearningPattern {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]LearningPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].PatternID < out[j].PatternID
	})
	return out
}
