package decision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/popupd/internal/config"
	"github.com/fyrsmithlabs/popupd/internal/patterns"
	"github.com/fyrsmithlabs/popupd/internal/scoring"
)

// timer is the cancelable handle returned by clock.AfterFunc.
type timer interface {
	Stop() bool
}

// clock abstracts wall time and timer scheduling so tests can drive the
// timeout ladder deterministically.
type clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) timer {
	return time.AfterFunc(d, fn)
}

// pendingEntry pairs a pending decision with its live timer. The callback
// checks pointer identity under the lock before acting, so a stopped timer
// that already fired becomes a no-op once the entry is replaced or removed.
type pendingEntry struct {
	d     *PendingDecision
	timer timer
}

// Coordinator owns the pending decision map and the timeout ladder.
//
// All transitions for one popupID are serialized under a single mutex;
// timer callbacks re-acquire it and re-check that their entry is still
// current before mutating anything.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry

	cfg      config.DecisionConfig
	autoConf float64

	scorer   *scoring.Scorer
	patterns *patterns.Store
	store    Store
	notifier Notifier
	stats    Recorder
	logger   *zap.Logger
	clock    clock
}

// NewCoordinator creates a decision coordinator. A nil notifier or recorder
// is replaced with a no-op implementation; a nil logger with zap.NewNop.
func NewCoordinator(
	cfg config.Config,
	scorer *scoring.Scorer,
	pats *patterns.Store,
	store Store,
	notifier Notifier,
	stats Recorder,
	logger *zap.Logger,
) *Coordinator {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if stats == nil {
		stats = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		pending:  make(map[string]*pendingEntry),
		cfg:      cfg.Decision,
		autoConf: cfg.Patterns.AutoExecuteConfidence,
		scorer:   scorer,
		patterns: pats,
		store:    store,
		notifier: notifier,
		stats:    stats,
		logger:   logger,
		clock:    realClock{},
	}
}

// HandleDetection is the entry point for a detected candidate. It normalizes
// and scores the characteristics, consults learned patterns, and either
// auto-executes a high-confidence suggestion or opens a pending decision.
func (c *Coordinator) HandleDetection(ctx context.Context, popup PopupData, tabID int, viewport scoring.Dimensions) (*DetectionResult, error) {
	if popup.ID == "" || tabID < 1 {
		return nil, fmt.Errorf("%w: popup id and tab id are required", ErrInvalidInput)
	}

	norm := popup.Characteristics.Normalize(viewport)
	analysis, err := c.scorer.Analyze(&norm)
	if err != nil {
		return nil, err
	}
	popup.Characteristics = norm
	popup.Confidence = analysis.Confidence

	if sug := c.patterns.Suggest(norm); sug != nil && sug.Actionable && sug.Confidence >= c.autoConf {
		if err := c.notifier.ApplyAction(ctx, popup.ID, tabID, choiceFor(sug.Suggestion)); err != nil {
			c.logger.Warn("auto-execute delivery failed, falling back to manual decision",
				zap.String("popup_id", popup.ID),
				zap.Error(err))
		} else {
			c.stats.RecordAutoExecution(sug.Suggestion)
			c.logger.Info("auto-executed learned decision",
				zap.String("popup_id", popup.ID),
				zap.String("suggestion", string(sug.Suggestion)),
				zap.Float64("confidence", sug.Confidence),
				zap.Float64("similarity", sug.Similarity))
			return &DetectionResult{AutoExecuted: true, Suggestion: sug, Analysis: analysis}, nil
		}
	}

	pending, err := c.Initiate(ctx, popup, tabID)
	if err != nil {
		return nil, err
	}
	return &DetectionResult{Analysis: analysis, Pending: pending}, nil
}

func choiceFor(d patterns.Decision) Choice {
	if d == patterns.DecisionKeep {
		return ChoiceKeep
	}
	return ChoiceClose
}

// Initiate opens a pending decision for a popup and arms the initial
// timeout. A second initiation for the same popupID silently replaces the
// first: its timer is canceled and the new request wins.
func (c *Coordinator) Initiate(ctx context.Context, popup PopupData, tabID int) (*PendingDecision, error) {
	if popup.ID == "" || tabID < 1 {
		return nil, fmt.Errorf("%w: popup id and tab id are required", ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.pending[popup.ID]; ok {
		prev.timer.Stop()
		delete(c.pending, popup.ID)
		c.logger.Info("replacing pending decision",
			zap.String("popup_id", popup.ID),
			zap.Time("previous_timestamp", prev.d.Timestamp))
	}

	now := c.clock.Now()
	d := &PendingDecision{
		PopupID:   popup.ID,
		TabID:     tabID,
		Popup:     popup,
		Timestamp: now,
		Deadline:  now.Add(c.cfg.InitialTimeout.Duration()),
		Status:    StatusAwaitingInput,
	}

	if err := c.store.SavePending(ctx, d); err != nil {
		return nil, fmt.Errorf("persisting pending decision: %w", err)
	}

	if err := c.notifier.PromptDecision(ctx, d); err != nil {
		c.logger.Warn("decision prompt delivery failed",
			zap.String("popup_id", d.PopupID),
			zap.Error(err))
	} else {
		d.NotificationShown = true
	}

	c.armLocked(d, c.cfg.InitialTimeout.Duration())

	c.logger.Info("decision initiated",
		zap.String("popup_id", d.PopupID),
		zap.Int("tab_id", d.TabID),
		zap.String("domain", popup.Domain),
		zap.Float64("confidence", popup.Confidence))

	out := *d
	return &out, nil
}

// armLocked installs (or replaces) the entry for d and schedules its
// timeout. Caller holds the lock.
func (c *Coordinator) armLocked(d *PendingDecision, delay time.Duration) {
	entry := &pendingEntry{d: d}
	entry.timer = c.clock.AfterFunc(delay, func() {
		c.onTimeout(d.PopupID, entry)
	})
	c.pending[d.PopupID] = entry
}

// onTimeout runs the reminder ladder for one entry. If the entry has been
// resolved or replaced since the timer was armed, it does nothing.
func (c *Coordinator) onTimeout(popupID string, fired *pendingEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.pending[popupID]
	if !ok || entry != fired {
		return
	}

	d := entry.d
	if d.ReminderCount < c.cfg.MaxReminders {
		d.ReminderCount++
		d.Deadline = c.clock.Now().Add(c.cfg.ReminderTimeout.Duration())

		ctx := context.Background()
		if err := c.store.SavePending(ctx, d); err != nil {
			c.logger.Error("persisting reminder state failed",
				zap.String("popup_id", popupID),
				zap.Error(err))
		}
		if err := c.notifier.Remind(ctx, d); err != nil {
			c.logger.Warn("reminder delivery failed",
				zap.String("popup_id", popupID),
				zap.Error(err))
		}
		c.stats.RecordReminder()
		c.logger.Info("decision reminder sent",
			zap.String("popup_id", popupID),
			zap.Int("reminder", d.ReminderCount),
			zap.Int("max_reminders", c.cfg.MaxReminders))

		c.armLocked(d, c.cfg.ReminderTimeout.Duration())
		return
	}

	if _, err := c.resolveLocked(context.Background(), entry, ChoiceTimeout, nil); err != nil {
		c.logger.Error("finalizing timed-out decision failed",
			zap.String("popup_id", popupID),
			zap.Error(err))
	}
}

// Resolve finalizes a pending decision with a user choice. The timer is
// canceled before any persistence so a concurrent timeout cannot race the
// resolution. Unknown popup IDs return ErrDecisionNotFound.
func (c *Coordinator) Resolve(ctx context.Context, popupID string, choice Choice, responseData map[string]string) (*CompletedDecision, error) {
	if popupID == "" {
		return nil, fmt.Errorf("%w: popup id is required", ErrInvalidInput)
	}
	if !choice.ValidUserChoice() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, choice)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.pending[popupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDecisionNotFound, popupID)
	}
	return c.resolveLocked(ctx, entry, choice, responseData)
}

// resolveLocked finalizes one entry with the given choice. Caller holds the
// lock and guarantees the entry is current.
//
// The timer stops first so a concurrent timeout cannot race the resolution,
// but the entry leaves the pending map only after the storage writes
// succeed: a failed write keeps the decision resolvable so the caller can
// retry instead of getting ErrDecisionNotFound.
func (c *Coordinator) resolveLocked(ctx context.Context, entry *pendingEntry, choice Choice, responseData map[string]string) (*CompletedDecision, error) {
	entry.timer.Stop()

	now := c.clock.Now()
	responseTime := now.Sub(entry.d.Timestamp)
	if responseTime < 0 {
		responseTime = 0
	}

	completed := &CompletedDecision{
		PendingDecision: *entry.d,
		UserChoice:      choice,
		ResponseTime:    responseTime,
		ResponseData:    responseData,
		CompletedAt:     now,
	}
	completed.Status = StatusCompleted

	if err := c.store.AppendCompleted(ctx, completed); err != nil {
		return nil, fmt.Errorf("recording completed decision: %w", err)
	}
	if err := c.store.DeletePending(ctx, entry.d.PopupID); err != nil {
		return nil, fmt.Errorf("removing pending decision: %w", err)
	}
	delete(c.pending, entry.d.PopupID)

	if learned, ok := choice.Learnable(); ok {
		if _, err := c.patterns.Record(ctx, entry.d.Popup.Characteristics, learned, entry.d.Popup.Domain); err != nil {
			c.logger.Error("recording decision into pattern store failed",
				zap.String("popup_id", entry.d.PopupID),
				zap.Error(err))
		}
	}

	if err := c.notifier.ApplyAction(ctx, entry.d.PopupID, entry.d.TabID, choice); err != nil {
		c.logger.Warn("action delivery failed",
			zap.String("popup_id", entry.d.PopupID),
			zap.String("choice", string(choice)),
			zap.Error(err))
	}

	c.stats.RecordResolution(choice, responseTime)
	c.logger.Info("decision resolved",
		zap.String("popup_id", entry.d.PopupID),
		zap.String("choice", string(choice)),
		zap.Duration("response_time", responseTime))

	return completed, nil
}

// ExpireStale force-resolves pending decisions older than the expiry window
// with an "expired" outcome. Returns the number expired.
func (c *Coordinator) ExpireStale(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock.Now().Add(-c.cfg.ExpireAfter.Duration())
	expired := 0
	for _, entry := range c.pending {
		if entry.d.Timestamp.After(cutoff) {
			continue
		}
		if _, err := c.resolveLocked(ctx, entry, ChoiceExpired, nil); err != nil {
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		c.logger.Info("expired stale pending decisions", zap.Int("count", expired))
	}
	return expired, nil
}

// Restore rebuilds the pending map from persisted state after a restart.
// Entries older than the staleness window are discarded; the rest are
// re-armed with the remaining portion of their original timeout, floored at
// the minimum restore timeout.
func (c *Coordinator) Restore(ctx context.Context) error {
	persisted, err := c.store.LoadPending(ctx)
	if err != nil {
		return fmt.Errorf("loading pending decisions: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	restored, discarded := 0, 0
	for _, d := range persisted {
		age := now.Sub(d.Timestamp)
		if age > c.cfg.RestoreStaleness.Duration() {
			if err := c.store.DeletePending(ctx, d.PopupID); err != nil {
				c.logger.Error("discarding stale pending decision failed",
					zap.String("popup_id", d.PopupID),
					zap.Error(err))
			}
			discarded++
			continue
		}

		remaining := c.cfg.InitialTimeout.Duration() - age
		if min := c.cfg.MinRestoreTimeout.Duration(); remaining < min {
			remaining = min
		}
		d.Deadline = now.Add(remaining)
		c.armLocked(d, remaining)
		restored++
	}

	if restored > 0 || discarded > 0 {
		c.logger.Info("restored pending decisions",
			zap.Int("restored", restored),
			zap.Int("discarded", discarded))
	}
	return nil
}

// PendingCount returns the number of open decisions.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Pending returns copies of all open decisions, for inspection endpoints.
func (c *Coordinator) Pending() []PendingDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]PendingDecision, 0, len(c.pending))
	for _, entry := range c.pending {
		out = append(out, *entry.d)
	}
	return out
}

// History returns up to limit most recent completed decisions.
func (c *Coordinator) History(ctx context.Context, limit int) ([]*CompletedDecision, error) {
	if limit <= 0 || limit > c.cfg.HistoryCap {
		limit = c.cfg.HistoryCap
	}
	return c.store.LoadCompleted(ctx, limit)
}

// Close stops all timers. Pending decisions stay persisted for the next
// restart's Restore pass.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.pending {
		entry.timer.Stop()
		delete(c.pending, id)
	}
}

type nopNotifier struct{}

func (nopNotifier) PromptDecision(context.Context, *PendingDecision) error { return nil }

func (nopNotifier) Remind(context.Context, *PendingDecision) error { return nil }

func (nopNotifier) ApplyAction(context.Context, string, int, Choice) error { return nil }

type nopRecorder struct{}

func (nopRecorder) RecordResolution(Choice, time.Duration) {}
func (nopRecorder) RecordAutoExecution(patterns.Decision)  {}
func (nopRecorder) RecordReminder()                        {}
