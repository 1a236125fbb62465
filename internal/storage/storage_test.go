package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/popupd/internal/config"
	"github.com/fyrsmithlabs/popupd/internal/decision"
	"github.com/fyrsmithlabs/popupd/internal/patterns"
	"github.com/fyrsmithlabs/popupd/internal/scoring"
	"github.com/fyrsmithlabs/popupd/internal/stats"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory(5)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func samplePattern(t *testing.T, domain string) *patterns.LearningPattern {
	t.Helper()
	c := scoring.Characteristics{
		Position:       scoring.PositionFixed,
		ZIndex:         9999,
		Visible:        true,
		Dimensions:     scoring.Dimensions{Width: 400, Height: 300},
		HasCloseButton: true,
		ContainsAds:    true,
	}
	p, err := patterns.NewLearningPattern(c, patterns.DecisionClose, domain, 0.6, time.Now().UTC())
	require.NoError(t, err)
	return p
}

func samplePending(id string, ts time.Time) *decision.PendingDecision {
	return &decision.PendingDecision{
		PopupID:   id,
		TabID:     3,
		Popup:     decision.PopupData{ID: id, Domain: "shop.example.com", Confidence: 0.85},
		Timestamp: ts,
		Deadline:  ts.Add(30 * time.Second),
		Status:    decision.StatusAwaitingInput,
	}
}

func TestOpenValidation(t *testing.T) {
	_, err := Open(config.StorageConfig{}, 100, nil)
	require.Error(t, err, "persistent mode requires a path")

	_, err = Open(config.StorageConfig{InMemory: true}, 0, nil)
	require.Error(t, err, "history cap must be positive")
}

func TestPatternSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Empty database yields an empty snapshot.
	loaded, err := s.LoadPatterns(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	a := samplePattern(t, "a.example.com")
	b := samplePattern(t, "b.example.com")
	require.NoError(t, s.SavePatterns(ctx, []*patterns.LearningPattern{a, b}))

	loaded, err = s.LoadPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	byID := map[string]*patterns.LearningPattern{}
	for _, p := range loaded {
		byID[p.PatternID] = p
	}
	got := byID[a.PatternID]
	require.NotNil(t, got)
	assert.Equal(t, a.Domain, got.Domain)
	assert.Equal(t, a.UserDecision, got.UserDecision)
	assert.InDelta(t, a.Confidence, got.Confidence, 1e-9)
	require.NotNil(t, got.Traits.HasCloseButton)
	assert.True(t, *got.Traits.HasCloseButton)

	// A later snapshot fully replaces the previous one.
	require.NoError(t, s.SavePatterns(ctx, []*patterns.LearningPattern{a}))
	loaded, err = s.LoadPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, a.PatternID, loaded[0].PatternID)
}

func TestPendingDecisionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.SavePending(ctx, samplePending("p1", now)))
	require.NoError(t, s.SavePending(ctx, samplePending("p2", now.Add(time.Second))))

	loaded, err := s.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	// Overwrite keeps one record per popup ID.
	updated := samplePending("p1", now.Add(2*time.Second))
	updated.ReminderCount = 1
	require.NoError(t, s.SavePending(ctx, updated))

	loaded, err = s.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	for _, d := range loaded {
		if d.PopupID == "p1" {
			assert.Equal(t, 1, d.ReminderCount)
			assert.True(t, d.Timestamp.Equal(now.Add(2*time.Second)))
		}
	}

	require.NoError(t, s.DeletePending(ctx, "p1"))
	require.NoError(t, s.DeletePending(ctx, "no-such-id"))

	loaded, err = s.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "p2", loaded[0].PopupID)
}

func TestCompletedHistoryCapAndOrder(t *testing.T) {
	s := newTestStore(t) // cap 5
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 8; i++ {
		d := &decision.CompletedDecision{
			PendingDecision: *samplePending(fmt.Sprintf("p%d", i), base),
			UserChoice:      decision.ChoiceClose,
			ResponseTime:    time.Duration(i) * time.Second,
			CompletedAt:     base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.AppendCompleted(ctx, d))
	}

	// FIFO eviction: only the 5 most recent survive, oldest first.
	loaded, err := s.LoadCompleted(ctx, 0)
	require.NoError(t, err)
	require.Len(t, loaded, 5)
	assert.Equal(t, "p3", loaded[0].PopupID)
	assert.Equal(t, "p7", loaded[4].PopupID)

	// A smaller limit trims from the old end.
	loaded, err = s.LoadCompleted(ctx, 2)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "p6", loaded[0].PopupID)
	assert.Equal(t, "p7", loaded[1].PopupID)
}

func TestStatisticsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Nothing written yet.
	snap, err := s.LoadStatistics(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	in := &stats.Snapshot{
		TotalResolutions: 12,
		ByChoice:         map[string]int{"close": 9, "keep": 3},
		AutoExecutions:   2,
		Reminders:        5,
		ResponseTimesMS:  []float64{800, 4200, 15000},
		UpdatedAt:        time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.SaveStatistics(ctx, in))

	snap, err = s.LoadStatistics(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, in.TotalResolutions, snap.TotalResolutions)
	assert.Equal(t, in.ByChoice, snap.ByChoice)
	assert.Equal(t, in.ResponseTimesMS, snap.ResponseTimesMS)
}

// corruptKey overwrites one key with bytes that do not decode, simulating a
// record damaged on disk.
func corruptKey(t *testing.T, s *Store, key string) {
	t.Helper()
	require.NoError(t, s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte("{not json"))
	}))
}

func TestLoadPatternsSkipsCorruptRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	good := samplePattern(t, "good.example.com")
	require.NoError(t, s.SavePatterns(ctx, []*patterns.LearningPattern{good}))
	corruptKey(t, s, "pattern:corrupt")

	loaded, err := s.LoadPatterns(ctx)
	require.NoError(t, err, "one damaged record must not fail the load")
	require.Len(t, loaded, 1)
	assert.Equal(t, good.PatternID, loaded[0].PatternID)
}

func TestLoadPendingSkipsCorruptRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePending(ctx, samplePending("p1", time.Now().UTC())))
	corruptKey(t, s, "pending:corrupt")

	loaded, err := s.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "p1", loaded[0].PopupID)
}

func TestLoadCompletedSkipsCorruptRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	d := &decision.CompletedDecision{
		PendingDecision: *samplePending("p1", now),
		UserChoice:      decision.ChoiceClose,
		CompletedAt:     now,
	}
	require.NoError(t, s.AppendCompleted(ctx, d))
	corruptKey(t, s, fmt.Sprintf("history:%020d:corrupt", now.Add(time.Second).UnixNano()))

	loaded, err := s.LoadCompleted(ctx, 0)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "p1", loaded[0].PopupID)
}

func TestLoadStatisticsCorruptFallsBackToEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	corruptKey(t, s, keyStatistics)

	snap, err := s.LoadStatistics(ctx)
	require.NoError(t, err, "a damaged snapshot must read as absent")
	assert.Nil(t, snap)

	// The next save repairs the key.
	require.NoError(t, s.SaveStatistics(ctx, &stats.Snapshot{TotalResolutions: 1}))
	snap, err = s.LoadStatistics(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.TotalResolutions)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := config.StorageConfig{Path: dir, SyncWrites: true}
	ctx := context.Background()

	s, err := Open(cfg, 100, nil)
	require.NoError(t, err)

	p := samplePattern(t, "persist.example.com")
	require.NoError(t, s.SavePatterns(ctx, []*patterns.LearningPattern{p}))
	require.NoError(t, s.SavePending(ctx, samplePending("p1", time.Now().UTC())))
	require.NoError(t, s.Close())

	s, err = Open(cfg, 100, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	loadedPatterns, err := s.LoadPatterns(ctx)
	require.NoError(t, err)
	require.Len(t, loadedPatterns, 1)
	assert.Equal(t, p.PatternID, loadedPatterns[0].PatternID)

	loadedPending, err := s.LoadPending(ctx)
	require.NoError(t, err)
	require.Len(t, loadedPending, 1)
	assert.Equal(t, "p1", loadedPending[0].PopupID)
}
