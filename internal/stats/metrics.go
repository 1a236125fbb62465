// Package stats aggregates decision outcomes for operators: Prometheus
// metrics for scraping, and a persisted summary served by the statistics
// endpoint.
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolutionsTotal counts finalized decisions.
	// Labels: choice (close, keep, dismiss, timeout, expired)
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "popupd",
			Subsystem: "decisions",
			Name:      "resolutions_total",
			Help:      "Total number of finalized decisions by choice",
		},
		[]string{"choice"},
	)

	// AutoExecutionsTotal counts suggestions applied without asking the user.
	// Labels: suggestion (close, keep)
	AutoExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "popupd",
			Subsystem: "decisions",
			Name:      "auto_executions_total",
			Help:      "Total number of auto-executed pattern suggestions",
		},
		[]string{"suggestion"},
	)

	// RemindersTotal counts reminder notifications sent.
	RemindersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "popupd",
			Subsystem: "decisions",
			Name:      "reminders_total",
			Help:      "Total number of decision reminders sent",
		},
	)

	// ResponseTime tracks how long decisions stay open.
	ResponseTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "popupd",
			Subsystem: "decisions",
			Name:      "response_time_seconds",
			Help:      "Time from decision initiation to resolution in seconds",
			Buckets:   []float64{1, 5, 10, 15, 30, 45, 60, 120, 300},
		},
	)

	// PatternsTotal tracks the size of the learned pattern set.
	PatternsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "popupd",
			Subsystem: "patterns",
			Name:      "patterns_total",
			Help:      "Current number of learned patterns",
		},
	)
)
