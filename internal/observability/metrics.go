package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector used by the pipeline. Created
// once at startup and passed explicitly; collectors register against the
// supplied registerer so tests can use private registries.
type Metrics struct {
	// MessageCounter tracks messages by direction and kind.
	// Labels: direction (inbound|outbound), kind (text|send|edit|photo|document)
	MessageCounter *prometheus.CounterVec

	// BatchSize observes the number of messages collapsed into one batch.
	BatchSize prometheus.Histogram

	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: model, type (input|output|cache_read|cache_write)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ToolPrecheckRejected counts paid-tool calls refused for insufficient
	// balance. Labels: tool_name
	ToolPrecheckRejected *prometheus.CounterVec

	// CacheBreakerState tracks circuit breaker transitions.
	// Labels: state (open|half_open|closed)
	CacheBreakerState *prometheus.CounterVec

	// CacheOps counts cache operations by outcome.
	// Labels: op (get|set|del|list), outcome (hit|miss|error|skipped)
	CacheOps *prometheus.CounterVec

	// WriteQueueDepth gauges the pending write-behind entries.
	WriteQueueDepth prometheus.Gauge

	// WriteQueueFlushes counts flush cycles by outcome.
	// Labels: outcome (ok|error|empty)
	WriteQueueFlushes *prometheus.CounterVec

	// DLQEntries counts entries moved to or replayed from the dead-letter
	// list. Labels: action (deadletter|replay|discard)
	DLQEntries *prometheus.CounterVec

	// DisplayEdits counts streaming display edits sent to the messenger.
	DisplayEdits prometheus.Counter

	// TurnsActive gauges currently running turns.
	TurnsActive prometheus.Gauge

	// ChargeCounter counts balance charges by outcome.
	// Labels: outcome (ok|rolled_back)
	ChargeCounter *prometheus.CounterVec
}

// NewMetrics registers all collectors against the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all collectors against reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castellan_messages_total",
				Help: "Total messages processed by direction and kind",
			},
			[]string{"direction", "kind"},
		),
		BatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "castellan_batch_size",
				Help:    "Messages collapsed into a single processed batch",
				Buckets: []float64{1, 2, 3, 5, 8, 13},
			},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "castellan_llm_request_duration_seconds",
				Help:    "Duration of LLM streaming calls in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castellan_llm_tokens_total",
				Help: "Token consumption by model and type",
			},
			[]string{"model", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castellan_tool_executions_total",
				Help: "Tool invocations by name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "castellan_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"tool_name"},
		),
		ToolPrecheckRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castellan_tool_precheck_rejected_total",
				Help: "Paid tool calls rejected by the balance precheck",
			},
			[]string{"tool_name"},
		),
		CacheBreakerState: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castellan_cache_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"state"},
		),
		CacheOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castellan_cache_ops_total",
				Help: "Cache operations by type and outcome",
			},
			[]string{"op", "outcome"},
		),
		WriteQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "castellan_write_queue_depth",
				Help: "Pending entries in the write-behind queue",
			},
		),
		WriteQueueFlushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castellan_write_queue_flushes_total",
				Help: "Write-behind flush cycles by outcome",
			},
			[]string{"outcome"},
		),
		DLQEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castellan_dlq_entries_total",
				Help: "Dead-letter queue entries by action",
			},
			[]string{"action"},
		),
		DisplayEdits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "castellan_display_edits_total",
				Help: "Streaming display edits sent to Telegram",
			},
		),
		TurnsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "castellan_turns_active",
				Help: "Turns currently being processed",
			},
		),
		ChargeCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castellan_charges_total",
				Help: "Balance charges by outcome",
			},
			[]string{"outcome"},
		),
	}
}
