package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "hallucination-gate"

// Metrics holds the OTEL metric instruments for the risk engine.
// All instruments are safe for concurrent use. A nil *Metrics records
// nothing.
type Metrics struct {
	// LLM token counters (partitioned by provider + model via attributes)
	InputTokens  metric.Int64Counter
	OutputTokens metric.Int64Counter

	// Draws per sampling condition (informed, skeleton)
	SamplesDrawn metric.Int64Counter

	// Item outcomes partitioned by decision (answer, refuse, error)
	Evaluations metric.Int64Counter

	// Failed sampling or generation calls
	BackendErrors metric.Int64Counter

	// Information sufficiency ratio per evaluated item
	ISR metric.Float64Histogram
}

// NewMetrics creates all metric instruments. Returns no-op instruments
// when no MeterProvider is registered (safe to call unconditionally).
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.InputTokens, err = meter.Int64Counter("llm.tokens.input",
		metric.WithDescription("Total LLM input tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	m.OutputTokens, err = meter.Int64Counter("llm.tokens.output",
		metric.WithDescription("Total LLM output tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	m.SamplesDrawn, err = meter.Int64Counter("samples.drawn",
		metric.WithDescription("Decision draws partitioned by sampling condition (informed, skeleton)"),
		metric.WithUnit("{sample}"))
	if err != nil {
		return nil, err
	}

	m.Evaluations, err = meter.Int64Counter("evaluations.total",
		metric.WithDescription("Item evaluations partitioned by decision (answer, refuse, error)"))
	if err != nil {
		return nil, err
	}

	m.BackendErrors, err = meter.Int64Counter("backend.errors",
		metric.WithDescription("Failed backend sampling or generation calls"))
	if err != nil {
		return nil, err
	}

	m.ISR, err = meter.Float64Histogram("isr",
		metric.WithDescription("Information sufficiency ratio delta_bar / b2t per evaluated item"),
		metric.WithExplicitBucketBoundaries(0, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordTokens records LLM token usage on the metric counters.
func (m *Metrics) RecordTokens(ctx context.Context, provider, model string, input, output int64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	)
	m.InputTokens.Add(ctx, input, attrs)
	m.OutputTokens.Add(ctx, output, attrs)
}

// RecordSamples records n draws made under condition.
func (m *Metrics) RecordSamples(ctx context.Context, condition string, n int) {
	if m == nil {
		return
	}
	m.SamplesDrawn.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("sampling.condition", condition),
	))
}

// RecordEvaluation records one item outcome: "answer", "refuse" or "error".
func (m *Metrics) RecordEvaluation(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.Evaluations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("evaluation.decision", decision),
	))
}

// RecordBackendError records a failed backend call.
func (m *Metrics) RecordBackendError(ctx context.Context, provider, operation string) {
	if m == nil {
		return
	}
	m.BackendErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("llm.provider", provider),
		attribute.String("backend.operation", operation),
	))
}

// RecordISR records an item's information sufficiency ratio.
func (m *Metrics) RecordISR(ctx context.Context, isr float64) {
	if m == nil {
		return
	}
	m.ISR.Record(ctx, isr)
}
