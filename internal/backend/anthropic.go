package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"

	"github.com/timvw/hallucination-gate/internal/model"
)

// AnthropicBackend samples through the Anthropic Messages API.
// Works with both direct Anthropic API and Azure AI Foundry.
type AnthropicBackend struct {
	client anthropic.Client
	model  string
}

// AnthropicConfig holds configuration for the Anthropic backend.
type AnthropicConfig struct {
	// BaseURL is the API endpoint (e.g., "https://resource.services.ai.azure.com/anthropic/v1").
	BaseURL string
	// APIKey is the API key. Passed per backend; never read from or
	// written to the process environment here.
	APIKey string
	// Model is the model name (e.g., "claude-haiku-4-5").
	Model string
	// ExtraHeaders are additional HTTP headers (e.g., "api-key" for Azure).
	ExtraHeaders map[string]string
}

// NewAnthropicBackend creates a new Anthropic backend.
func NewAnthropicBackend(cfg AnthropicConfig) *AnthropicBackend {
	var opts []option.RequestOption

	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	for k, v := range cfg.ExtraHeaders {
		opts = append(opts, option.WithHeader(k, v))
	}

	return &AnthropicBackend{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
	}
}

// Provider returns "anthropic".
func (b *AnthropicBackend) Provider() string {
	return "anthropic"
}

// Model returns the model name.
func (b *AnthropicBackend) Model() string {
	return b.model
}

// DrawSamples makes one Messages call per draw. The Messages API has no
// multi-choice parameter. Hints are OpenAI specific and ignored.
func (b *AnthropicBackend) DrawSamples(ctx context.Context, prompt string, count int, temperature float64, _ model.Hints) (model.SampleSet, error) {
	set := model.SampleSet{Prompt: prompt, Samples: make([]model.Sample, 0, count)}
	for range count {
		text, usage, err := b.message(ctx, DecisionPrompt, prompt, decisionMaxTokens, &temperature)
		if err != nil {
			return model.SampleSet{}, model.BackendError(b.Provider(), err)
		}
		smp, err := ParseSignal(text)
		if err != nil {
			return model.SampleSet{}, model.BackendError(b.Provider(), err)
		}
		smp.Usage = usage
		set.Samples = append(set.Samples, smp)
	}
	return set, nil
}

// Generate produces a final answer with the answer instruction. Hints are
// ignored.
func (b *AnthropicBackend) Generate(ctx context.Context, prompt string, maxTokens int, _ model.Hints) (string, error) {
	text, _, err := b.message(ctx, AnswerPrompt, prompt, int64(maxTokens), nil)
	if err != nil {
		return "", model.BackendError(b.Provider(), err)
	}
	return strings.TrimSpace(text), nil
}

func (b *AnthropicBackend) message(ctx context.Context, system, user string, maxTokens int64, temperature *float64) (string, model.TokenUsage, error) {
	var extra []attribute.KeyValue
	if temperature != nil {
		extra = append(extra, attribute.Float64("gen_ai.request.temperature", *temperature))
	}
	ctx, span := startChatSpan(ctx, "anthropic", b.model, maxTokens, system, user, extra...)
	defer span.End()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewTextBlock(user),
			),
		},
	}
	if temperature != nil {
		params.Temperature = anthropic.Float(*temperature)
	}

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		failSpan(span, "api_error")
		return "", model.TokenUsage{}, fmt.Errorf("anthropic API call failed: %w", err)
	}

	if len(resp.Content) == 0 {
		failSpan(span, "empty_response")
		return "", model.TokenUsage{}, errors.New("anthropic API returned empty response")
	}

	text := resp.Content[0].Text
	usage := model.TokenUsage{
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
	var reasons []string
	if string(resp.StopReason) != "" {
		reasons = []string{string(resp.StopReason)}
	}
	endChatSpan(span, b.model, usage, reasons, []string{text})
	return text, usage, nil
}
