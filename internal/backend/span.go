package backend

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/timvw/hallucination-gate/internal/model"
)

var tracer = otel.Tracer("hallucination-gate/backend")

// startChatSpan starts a GenAI generation span following the OTel GenAI
// semantic conventions. Span name: "{operation} {model}".
func startChatSpan(ctx context.Context, provider, modelName string, maxTokens int64, system, user string, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("gen_ai.operation.name", "chat"),
		attribute.String("gen_ai.provider.name", provider),
		attribute.String("gen_ai.request.model", modelName),
		attribute.Int64("gen_ai.request.max_tokens", maxTokens),

		// Langfuse-specific: ensure this shows as a "generation"
		attribute.String("langfuse.observation.type", "generation"),
	}
	ctx, span := tracer.Start(ctx, "chat "+modelName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, extra...)...),
	)

	inputMessages := []map[string]string{
		{"role": "system", "content": system},
		{"role": "user", "content": user},
	}
	if inputJSON, err := json.Marshal(inputMessages); err == nil {
		span.SetAttributes(attribute.String("gen_ai.input.messages", string(inputJSON)))
	}
	return ctx, span
}

// endChatSpan records the response attributes on span.
func endChatSpan(span trace.Span, responseModel string, usage model.TokenUsage, finishReasons []string, outputs []string) {
	span.SetAttributes(
		attribute.String("gen_ai.response.model", responseModel),
		attribute.Int64("gen_ai.usage.input_tokens", usage.InputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", usage.OutputTokens),
	)
	if len(finishReasons) > 0 {
		span.SetAttributes(attribute.StringSlice("gen_ai.response.finish_reasons", finishReasons))
	}

	outputMessages := make([]map[string]string, 0, len(outputs))
	for _, o := range outputs {
		outputMessages = append(outputMessages, map[string]string{"role": "assistant", "content": o})
	}
	if outputJSON, err := json.Marshal(outputMessages); err == nil {
		span.SetAttributes(attribute.String("gen_ai.output.messages", string(outputJSON)))
	}
}

func failSpan(span trace.Span, errType string) {
	span.SetAttributes(attribute.String("error.type", errType))
}
