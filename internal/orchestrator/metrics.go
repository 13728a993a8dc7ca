package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts state transitions.
	// Labels: state
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskloop",
			Subsystem: "orchestrator",
			Name:      "transitions_total",
			Help:      "Total number of session state transitions by target state",
		},
		[]string{"state"},
	)

	// BlocksTotal counts actions blocked by the repetition guard.
	// Labels: rule, severity
	BlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskloop",
			Subsystem: "guard",
			Name:      "blocks_total",
			Help:      "Total number of blocked actions by rule and severity",
		},
		[]string{"rule", "severity"},
	)

	// ToolCallsTotal counts dispatched actions.
	// Labels: operation, outcome (success, failure, cached)
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskloop",
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Total number of dispatched actions by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// ReasoningDuration tracks engine call latency.
	// Labels: call (plan, next, replan)
	ReasoningDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskloop",
			Subsystem: "reasoning",
			Name:      "call_duration_seconds",
			Help:      "Duration of reasoning engine calls in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"call"},
	)

	// CompressionsTotal counts compressions applied.
	// Labels: kind (conversation, trace), outcome (summarized, truncated)
	CompressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskloop",
			Subsystem: "compression",
			Name:      "applied_total",
			Help:      "Total number of context compressions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)
