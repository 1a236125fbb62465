// Package decision coordinates the lifecycle of popup decisions.
//
// Every detected candidate that needs a human choice becomes one
// PendingDecision keyed by popupID. The coordinator owns the pending map,
// arms the timeout/reminder ladder, persists pending state across restarts,
// and emits final outcomes to the learning and statistics collaborators.
package decision

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/popupd/internal/patterns"
	"github.com/fyrsmithlabs/popupd/internal/scoring"
)

// Coordination errors.
var (
	// ErrInvalidInput is returned for a missing popup ID or bad tab ID,
	// before any state is mutated.
	ErrInvalidInput = errors.New("invalid decision input")

	// ErrDecisionNotFound is returned when resolving an unknown or stale
	// popup ID. Safe for callers to treat as a no-op.
	ErrDecisionNotFound = errors.New("pending decision not found")

	// ErrInvalidDecision is returned for unsupported choice values.
	ErrInvalidDecision = errors.New("invalid decision choice")
)

// Choice is a final decision outcome.
type Choice string

const (
	ChoiceClose   Choice = "close"
	ChoiceKeep    Choice = "keep"
	ChoiceDismiss Choice = "dismiss"

	// ChoiceTimeout is injected by the terminal timeout; never accepted
	// from callers.
	ChoiceTimeout Choice = "timeout"

	// ChoiceExpired is injected by the idle sweep; never accepted from
	// callers.
	ChoiceExpired Choice = "expired"
)

// ValidUserChoice reports whether c may arrive from a caller.
func (c Choice) ValidUserChoice() bool {
	return c == ChoiceClose || c == ChoiceKeep || c == ChoiceDismiss
}

// Learnable maps a choice onto a learnable pattern decision. Timeouts,
// dismissals, and expirations are non-deliberate and never learn.
func (c Choice) Learnable() (patterns.Decision, bool) {
	switch c {
	case ChoiceClose:
		return patterns.DecisionClose, true
	case ChoiceKeep:
		return patterns.DecisionKeep, true
	default:
		return "", false
	}
}

// Status is the lifecycle state of a pending decision.
type Status string

const (
	StatusAwaitingInput Status = "awaiting_user_input"
	StatusCompleted     Status = "completed"
)

// PopupData describes the candidate a decision is about.
type PopupData struct {
	// ID is the caller-assigned unique popup identifier.
	ID string `json:"id"`

	// Domain the candidate was detected on.
	Domain string `json:"domain"`

	// Characteristics as normalized by the scoring package.
	Characteristics scoring.Characteristics `json:"characteristics"`

	// Confidence from the analysis that flagged the candidate.
	Confidence float64 `json:"confidence"`
}

// PendingDecision is one open request for a human choice.
//
// Timer handles are transient scheduling state and are never part of this
// record; only the Deadline timestamp persists, and restarts recompute the
// remaining delay from it.
type PendingDecision struct {
	PopupID           string    `json:"popup_id"`
	TabID             int       `json:"tab_id"`
	Popup             PopupData `json:"popup"`
	Timestamp         time.Time `json:"timestamp"`
	Deadline          time.Time `json:"deadline"`
	Status            Status    `json:"status"`
	ReminderCount     int       `json:"reminder_count"`
	NotificationShown bool      `json:"notification_shown"`
}

// CompletedDecision is the final record of one decision.
type CompletedDecision struct {
	PendingDecision

	// UserChoice is the final outcome. For unanswered ladders this is
	// "timeout"; for idle-swept entries it is "expired".
	UserChoice Choice `json:"user_choice"`

	// ResponseTime is how long the decision stayed open. Never negative.
	ResponseTime time.Duration `json:"response_time"`

	// ResponseData is optional caller-supplied context.
	ResponseData map[string]string `json:"response_data,omitempty"`

	// CompletedAt is when the decision was finalized.
	CompletedAt time.Time `json:"completed_at"`
}

// Store persists pending decisions and the completed history.
// Implementations live in internal/storage. Write failures on the
// initiate/resolve paths are propagated — a decision must never be lost
// silently.
type Store interface {
	// SavePending inserts or overwrites a pending decision.
	SavePending(ctx context.Context, d *PendingDecision) error

	// DeletePending removes a pending decision. Unknown IDs are a no-op.
	DeletePending(ctx context.Context, popupID string) error

	// LoadPending returns all persisted pending decisions.
	LoadPending(ctx context.Context) ([]*PendingDecision, error)

	// AppendCompleted appends to the completed history. The
	// implementation enforces the history cap with FIFO eviction.
	AppendCompleted(ctx context.Context, d *CompletedDecision) error

	// LoadCompleted returns up to limit most recent completed decisions.
	LoadCompleted(ctx context.Context, limit int) ([]*CompletedDecision, error)
}

// Notifier is the UI collaborator boundary. Delivery failures are logged by
// the coordinator and never abort the state machine; the timeout ladder is
// the safety net.
type Notifier interface {
	// PromptDecision asks the UI to request a decision from the user.
	PromptDecision(ctx context.Context, d *PendingDecision) error

	// Remind nudges the UI about a still-open decision.
	Remind(ctx context.Context, d *PendingDecision) error

	// ApplyAction instructs the UI to act on the chosen outcome.
	ApplyAction(ctx context.Context, popupID string, tabID int, choice Choice) error
}

// Recorder is the statistics collaborator boundary.
type Recorder interface {
	// RecordResolution is called once per finalized decision.
	RecordResolution(choice Choice, responseTime time.Duration)

	// RecordAutoExecution is called when a suggestion is executed without
	// asking the user.
	RecordAutoExecution(suggestion patterns.Decision)

	// RecordReminder is called per reminder sent.
	RecordReminder()
}

// DetectionResult is the coordinator's verdict for one detection event.
type DetectionResult struct {
	// AutoExecuted is true when a high-confidence suggestion was applied
	// without asking the user. Pending is nil in that case.
	AutoExecuted bool `json:"auto_executed"`

	// Suggestion that drove auto-execution, when any.
	Suggestion *patterns.Suggestion `json:"suggestion,omitempty"`

	// Analysis is the scoring verdict for the candidate.
	Analysis *scoring.AnalysisResult `json:"analysis"`

	// Pending is the opened decision when the candidate was routed to a
	// manual decision.
	Pending *PendingDecision `json:"pending,omitempty"`
}
