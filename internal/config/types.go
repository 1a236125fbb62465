package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/popupd/internal/logging"
)

// Duration wraps time.Duration so config files can use "30s" style values.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the root popupd configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  logging.Config `koanf:"logging"`
	Storage  StorageConfig  `koanf:"storage"`
	Scoring  ScoringConfig  `koanf:"scoring"`
	Patterns PatternsConfig `koanf:"patterns"`
	Decision DecisionConfig `koanf:"decision"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`

	// IntakeRate limits POPUP_DETECTED intake (requests per second).
	IntakeRate float64 `koanf:"intake_rate"`

	// IntakeBurst is the burst allowance for the intake limiter.
	IntakeBurst int `koanf:"intake_burst"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Path is the directory for the Badger database.
	Path string `koanf:"path"`

	// InMemory disables disk persistence (testing only).
	InMemory bool `koanf:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `koanf:"sync_writes"`
}

// ScoringConfig names the confidence rubric thresholds.
//
// The rubric itself is fixed (see internal/scoring); these are the gates
// consumers apply to its output, kept as configuration so the rubric stays
// auditable and testable independently of the matching logic.
type ScoringConfig struct {
	// LikelyPopupThreshold: a candidate is flagged likely when
	// confidence exceeds this value.
	LikelyPopupThreshold float64 `koanf:"likely_popup_threshold"`
}

// PatternsConfig holds the adaptive learning engine settings.
type PatternsConfig struct {
	// MatchThreshold is the minimum similarity for FindMatch to return a pattern.
	MatchThreshold float64 `koanf:"match_threshold"`

	// SuggestSimilarity is the stricter similarity gate for actionable suggestions.
	SuggestSimilarity float64 `koanf:"suggest_similarity"`

	// SuggestConfidence is the minimum pattern confidence for an actionable suggestion.
	SuggestConfidence float64 `koanf:"suggest_confidence"`

	// AutoExecuteConfidence gates auto-execution of a suggestion without
	// asking the user.
	AutoExecuteConfidence float64 `koanf:"auto_execute_confidence"`

	// InitialConfidence is assigned to newly created patterns.
	InitialConfidence float64 `koanf:"initial_confidence"`

	// ReinforceStep is added on an agreeing decision.
	ReinforceStep float64 `koanf:"reinforce_step"`

	// PenaltyStep is subtracted on a contradicting decision.
	PenaltyStep float64 `koanf:"penalty_step"`

	// FlipFloor: a pattern whose confidence falls below this flips its
	// learned decision and resets to InitialConfidence.
	FlipFloor float64 `koanf:"flip_floor"`

	// MinConfidence is the floor applied when penalizing.
	MinConfidence float64 `koanf:"min_confidence"`

	// MaxPatterns caps the store; cleanup keeps the top-ranked entries.
	MaxPatterns int `koanf:"max_patterns"`

	// StaleAfter drops patterns not seen within this window.
	StaleAfter Duration `koanf:"stale_after"`
}

// DecisionConfig holds the decision-coordination settings.
type DecisionConfig struct {
	// InitialTimeout is armed when a decision is initiated.
	InitialTimeout Duration `koanf:"initial_timeout"`

	// ReminderTimeout is re-armed after each reminder.
	ReminderTimeout Duration `koanf:"reminder_timeout"`

	// MaxReminders before a timeout becomes terminal.
	MaxReminders int `koanf:"max_reminders"`

	// HistoryCap bounds the completed-decision history (FIFO eviction).
	HistoryCap int `koanf:"history_cap"`

	// ExpireAfter force-resolves pending entries with no activity.
	ExpireAfter Duration `koanf:"expire_after"`

	// RestoreStaleness discards persisted entries older than this on restart.
	RestoreStaleness Duration `koanf:"restore_staleness"`

	// MinRestoreTimeout is the floor for re-armed timeouts after restart.
	MinRestoreTimeout Duration `koanf:"min_restore_timeout"`

	// SweepInterval is the cadence of the background expiry sweep.
	SweepInterval Duration `koanf:"sweep_interval"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in [1, 65535], got %d", c.Server.Port)
	}
	if c.Server.IntakeRate <= 0 {
		return fmt.Errorf("intake rate must be > 0, got %f", c.Server.IntakeRate)
	}
	if c.Server.IntakeBurst < 1 {
		return fmt.Errorf("intake burst must be >= 1, got %d", c.Server.IntakeBurst)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("storage path is required unless in_memory is set")
	}
	if err := validateUnit("scoring.likely_popup_threshold", c.Scoring.LikelyPopupThreshold); err != nil {
		return err
	}
	for name, v := range map[string]float64{
		"patterns.match_threshold":         c.Patterns.MatchThreshold,
		"patterns.suggest_similarity":      c.Patterns.SuggestSimilarity,
		"patterns.suggest_confidence":      c.Patterns.SuggestConfidence,
		"patterns.auto_execute_confidence": c.Patterns.AutoExecuteConfidence,
		"patterns.initial_confidence":      c.Patterns.InitialConfidence,
		"patterns.flip_floor":              c.Patterns.FlipFloor,
		"patterns.min_confidence":          c.Patterns.MinConfidence,
	} {
		if err := validateUnit(name, v); err != nil {
			return err
		}
	}
	if c.Patterns.ReinforceStep <= 0 || c.Patterns.PenaltyStep <= 0 {
		return fmt.Errorf("pattern reinforce/penalty steps must be > 0")
	}
	if c.Patterns.SuggestSimilarity < c.Patterns.MatchThreshold {
		return fmt.Errorf("suggest_similarity (%f) must be >= match_threshold (%f)",
			c.Patterns.SuggestSimilarity, c.Patterns.MatchThreshold)
	}
	if c.Patterns.MaxPatterns < 1 {
		return fmt.Errorf("max_patterns must be >= 1, got %d", c.Patterns.MaxPatterns)
	}
	if c.Patterns.StaleAfter.Duration() <= 0 {
		return fmt.Errorf("patterns.stale_after must be > 0")
	}
	if c.Decision.InitialTimeout.Duration() <= 0 || c.Decision.ReminderTimeout.Duration() <= 0 {
		return fmt.Errorf("decision timeouts must be > 0")
	}
	if c.Decision.MaxReminders < 0 {
		return fmt.Errorf("max_reminders must be >= 0, got %d", c.Decision.MaxReminders)
	}
	if c.Decision.HistoryCap < 1 {
		return fmt.Errorf("history_cap must be >= 1, got %d", c.Decision.HistoryCap)
	}
	if c.Decision.ExpireAfter.Duration() <= 0 {
		return fmt.Errorf("expire_after must be > 0")
	}
	if c.Decision.RestoreStaleness.Duration() <= 0 {
		return fmt.Errorf("restore_staleness must be > 0")
	}
	if c.Decision.SweepInterval.Duration() <= 0 {
		return fmt.Errorf("sweep_interval must be > 0")
	}
	return nil
}

func validateUnit(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be in [0, 1], got %f", name, v)
	}
	return nil
}
