package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/popupd/internal/decision"
	"github.com/fyrsmithlabs/popupd/internal/patterns"
)

type fakePersister struct {
	mu       sync.Mutex
	saved    *Snapshot
	loadWith *Snapshot
	saveErr  error
	loadErr  error
}

func (f *fakePersister) SaveStatistics(_ context.Context, s *Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	c := *s
	f.saved = &c
	return nil
}

func (f *fakePersister) LoadStatistics(context.Context) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadWith, f.loadErr
}

func TestCollectorRecordsResolutions(t *testing.T) {
	p := &fakePersister{}
	c := NewCollector(p, nil)

	c.RecordResolution(decision.ChoiceClose, 4*time.Second)
	c.RecordResolution(decision.ChoiceClose, 6*time.Second)
	c.RecordResolution(decision.ChoiceKeep, 10*time.Second)
	c.RecordReminder()
	c.RecordAutoExecution(patterns.DecisionClose)

	s := c.Summarize()
	assert.Equal(t, 3, s.TotalResolutions)
	assert.Equal(t, 2, s.ByChoice["close"])
	assert.Equal(t, 1, s.ByChoice["keep"])
	assert.Equal(t, 1, s.Reminders)
	assert.Equal(t, 1, s.AutoExecutions)

	// Aggregates over 4000, 6000, 10000 ms.
	assert.InDelta(t, 6666.67, s.MeanResponseMS, 0.5)
	assert.InDelta(t, 6000, s.MedianResponseMS, 0.01)
	assert.GreaterOrEqual(t, s.P95ResponseMS, 6000.0)

	// Every event persisted a snapshot.
	require.NotNil(t, p.saved)
	assert.Equal(t, 3, p.saved.TotalResolutions)
	assert.Len(t, p.saved.ResponseTimesMS, 3)
}

func TestCollectorEmptySummary(t *testing.T) {
	c := NewCollector(nil, nil)

	s := c.Summarize()
	assert.Equal(t, 0, s.TotalResolutions)
	assert.Zero(t, s.MeanResponseMS)
	assert.Zero(t, s.P95ResponseMS)
}

func TestCollectorLoadRestoresSnapshot(t *testing.T) {
	p := &fakePersister{loadWith: &Snapshot{
		TotalResolutions: 7,
		ByChoice:         map[string]int{"close": 5, "timeout": 2},
		Reminders:        4,
		ResponseTimesMS:  []float64{1000, 2000},
	}}
	c := NewCollector(p, nil)

	require.NoError(t, c.Load(context.Background()))

	s := c.Summarize()
	assert.Equal(t, 7, s.TotalResolutions)
	assert.Equal(t, 5, s.ByChoice["close"])
	assert.Equal(t, 4, s.Reminders)
	assert.InDelta(t, 1500, s.MeanResponseMS, 0.01)

	// New events accumulate on top of the restored state.
	c.RecordResolution(decision.ChoiceDismiss, time.Second)
	assert.Equal(t, 8, c.Summarize().TotalResolutions)
}

func TestCollectorLoadMissingStateIsNoop(t *testing.T) {
	c := NewCollector(&fakePersister{}, nil)
	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, 0, c.Summarize().TotalResolutions)
}

func TestCollectorLoadError(t *testing.T) {
	c := NewCollector(&fakePersister{loadErr: errors.New("corrupt")}, nil)
	require.Error(t, c.Load(context.Background()))
}

func TestCollectorPersistFailureKeepsCounting(t *testing.T) {
	p := &fakePersister{saveErr: errors.New("disk full")}
	c := NewCollector(p, nil)

	c.RecordResolution(decision.ChoiceClose, time.Second)
	c.RecordResolution(decision.ChoiceClose, time.Second)

	assert.Equal(t, 2, c.Summarize().TotalResolutions)
}

func TestCollectorSampleWindowBounded(t *testing.T) {
	c := NewCollector(nil, nil)

	for i := 0; i < maxResponseSamples+50; i++ {
		c.RecordResolution(decision.ChoiceClose, time.Second)
	}

	c.mu.Lock()
	n := len(c.snapshot.ResponseTimesMS)
	c.mu.Unlock()
	assert.Equal(t, maxResponseSamples, n)
}
