package stats

import (
	"context"
	"sync"
	"time"

	mstats "github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/popupd/internal/decision"
	"github.com/fyrsmithlabs/popupd/internal/patterns"
)

// maxResponseSamples bounds the retained response-time sample window; the
// oldest samples are evicted first.
const maxResponseSamples = 1000

// Persister stores the statistics snapshot. Implementations live in
// internal/storage.
type Persister interface {
	SaveStatistics(ctx context.Context, s *Snapshot) error
	LoadStatistics(ctx context.Context) (*Snapshot, error)
}

// Snapshot is the persisted statistics state.
type Snapshot struct {
	TotalResolutions int            `json:"total_resolutions"`
	ByChoice         map[string]int `json:"by_choice"`
	AutoExecutions   int            `json:"auto_executions"`
	Reminders        int            `json:"reminders"`

	// ResponseTimesMS is the retained sample window, milliseconds.
	ResponseTimesMS []float64 `json:"response_times_ms"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Summary is the computed view served by the statistics endpoint.
type Summary struct {
	TotalResolutions int            `json:"total_resolutions"`
	ByChoice         map[string]int `json:"by_choice"`
	AutoExecutions   int            `json:"auto_executions"`
	Reminders        int            `json:"reminders"`

	// Aggregates over the retained response-time window, milliseconds.
	// Zero when no samples exist yet.
	MeanResponseMS   float64 `json:"mean_response_ms"`
	MedianResponseMS float64 `json:"median_response_ms"`
	P95ResponseMS    float64 `json:"p95_response_ms"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Collector implements decision.Recorder. Every event updates the
// Prometheus metrics and the persisted snapshot together.
type Collector struct {
	mu        sync.Mutex
	snapshot  Snapshot
	persister Persister
	logger    *zap.Logger
}

// NewCollector creates a collector. A nil persister keeps statistics
// memory-only; a nil logger defaults to a no-op logger.
func NewCollector(persister Persister, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		snapshot:  Snapshot{ByChoice: make(map[string]int)},
		persister: persister,
		logger:    logger,
	}
}

// Load restores the persisted snapshot. Missing state is not an error.
func (c *Collector) Load(ctx context.Context) error {
	if c.persister == nil {
		return nil
	}
	snap, err := c.persister.LoadStatistics(ctx)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = *snap
	if c.snapshot.ByChoice == nil {
		c.snapshot.ByChoice = make(map[string]int)
	}
	c.logger.Info("statistics restored",
		zap.Int("total_resolutions", c.snapshot.TotalResolutions),
		zap.Int("response_samples", len(c.snapshot.ResponseTimesMS)))
	return nil
}

// RecordResolution implements decision.Recorder.
func (c *Collector) RecordResolution(choice decision.Choice, responseTime time.Duration) {
	ResolutionsTotal.WithLabelValues(string(choice)).Inc()
	ResponseTime.Observe(responseTime.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot.TotalResolutions++
	c.snapshot.ByChoice[string(choice)]++
	c.snapshot.ResponseTimesMS = append(c.snapshot.ResponseTimesMS, float64(responseTime.Milliseconds()))
	if n := len(c.snapshot.ResponseTimesMS); n > maxResponseSamples {
		c.snapshot.ResponseTimesMS = c.snapshot.ResponseTimesMS[n-maxResponseSamples:]
	}
	c.persistLocked()
}

// RecordAutoExecution implements decision.Recorder.
func (c *Collector) RecordAutoExecution(suggestion patterns.Decision) {
	AutoExecutionsTotal.WithLabelValues(string(suggestion)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot.AutoExecutions++
	c.persistLocked()
}

// RecordReminder implements decision.Recorder.
func (c *Collector) RecordReminder() {
	RemindersTotal.Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot.Reminders++
	c.persistLocked()
}

// SetPatternCount updates the pattern-set gauge.
func (c *Collector) SetPatternCount(n int) {
	PatternsTotal.Set(float64(n))
}

// persistLocked writes the snapshot through. Persistence failures are
// logged; counters are never rolled back over a storage hiccup.
func (c *Collector) persistLocked() {
	if c.persister == nil {
		return
	}
	c.snapshot.UpdatedAt = time.Now().UTC()
	snap := c.snapshot
	snap.ByChoice = make(map[string]int, len(c.snapshot.ByChoice))
	for k, v := range c.snapshot.ByChoice {
		snap.ByChoice[k] = v
	}
	snap.ResponseTimesMS = append([]float64(nil), c.snapshot.ResponseTimesMS...)

	if err := c.persister.SaveStatistics(context.Background(), &snap); err != nil {
		c.logger.Error("persisting statistics failed", zap.Error(err))
	}
}

// Summarize computes the aggregate view.
func (c *Collector) Summarize() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		TotalResolutions: c.snapshot.TotalResolutions,
		ByChoice:         make(map[string]int, len(c.snapshot.ByChoice)),
		AutoExecutions:   c.snapshot.AutoExecutions,
		Reminders:        c.snapshot.Reminders,
		UpdatedAt:        c.snapshot.UpdatedAt,
	}
	for k, v := range c.snapshot.ByChoice {
		s.ByChoice[k] = v
	}

	if len(c.snapshot.ResponseTimesMS) > 0 {
		data := mstats.Float64Data(c.snapshot.ResponseTimesMS)
		// These only error on empty input, which is excluded above.
		s.MeanResponseMS, _ = mstats.Mean(data)
		s.MedianResponseMS, _ = mstats.Median(data)
		s.P95ResponseMS, _ = mstats.Percentile(data, 95)
	}
	return s
}
