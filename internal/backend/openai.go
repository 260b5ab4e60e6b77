package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.opentelemetry.io/otel/attribute"

	"github.com/timvw/hallucination-gate/internal/model"
)

// OpenAIBackend samples through an OpenAI-compatible Chat Completions API.
// Works with OpenAI, Azure OpenAI, and any OpenAI-compatible endpoint.
type OpenAIBackend struct {
	client openai.Client
	model  string
}

// OpenAIConfig holds configuration for the OpenAI backend.
type OpenAIConfig struct {
	// BaseURL is the API endpoint.
	BaseURL string
	// APIKey is the API key. Passed per backend; never read from or
	// written to the process environment here.
	APIKey string
	// Model is the model name (e.g., "gpt-4.1-mini").
	Model string
	// ExtraHeaders are additional HTTP headers.
	ExtraHeaders map[string]string
}

// NewOpenAIBackend creates a new OpenAI-compatible backend.
func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
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

	return &OpenAIBackend{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
	}
}

// Provider returns "openai".
func (b *OpenAIBackend) Provider() string {
	return "openai"
}

// Model returns the model name.
func (b *OpenAIBackend) Model() string {
	return b.model
}

// IsReasoningModel reports whether the model takes reasoning_effort instead
// of temperature (gpt-5 and the o-series).
func IsReasoningModel(name string) bool {
	name = strings.ToLower(name)
	if strings.HasPrefix(name, "gpt-5") {
		return true
	}
	return len(name) > 1 && name[0] == 'o' && name[1] >= '1' && name[1] <= '9'
}

// DrawSamples requests count choices in one call. Endpoints that ignore n
// are asked again for the remainder.
func (b *OpenAIBackend) DrawSamples(ctx context.Context, prompt string, count int, temperature float64, hints model.Hints) (model.SampleSet, error) {
	set := model.SampleSet{Prompt: prompt, Samples: make([]model.Sample, 0, count)}
	for attempt := 0; len(set.Samples) < count; attempt++ {
		if attempt >= count {
			return model.SampleSet{}, model.BackendError(b.Provider(),
				fmt.Errorf("openai API returned %d of %d choices", len(set.Samples), count))
		}
		texts, usage, err := b.completion(ctx, DecisionPrompt, prompt, count-len(set.Samples), temperature, hints)
		if err != nil {
			return model.SampleSet{}, model.BackendError(b.Provider(), err)
		}
		for i, text := range texts {
			if len(set.Samples) == count {
				break
			}
			smp, err := ParseSignal(text)
			if err != nil {
				return model.SampleSet{}, model.BackendError(b.Provider(), err)
			}
			if i == 0 {
				smp.Usage = usage
			}
			set.Samples = append(set.Samples, smp)
		}
	}
	return set, nil
}

// Generate produces a final answer with the answer instruction. Reasoning
// models get the same reasoning effort and verbosity hints as sampling.
func (b *OpenAIBackend) Generate(ctx context.Context, prompt string, maxTokens int, hints model.Hints) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: b.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(AnswerPrompt),
			openai.UserMessage(prompt),
		},
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
	var opts []option.RequestOption
	if IsReasoningModel(b.model) {
		opts = applyHints(&params, hints)
	}

	ctx, span := startChatSpan(ctx, "openai", b.model, int64(maxTokens), AnswerPrompt, prompt)
	defer span.End()

	resp, err := b.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		failSpan(span, "api_error")
		return "", model.BackendError(b.Provider(), fmt.Errorf("openai API call failed: %w", err))
	}
	if len(resp.Choices) == 0 {
		failSpan(span, "empty_response")
		return "", model.BackendError(b.Provider(), errors.New("openai API returned empty response"))
	}

	text := resp.Choices[0].Message.Content
	span.SetAttributes(attribute.String("gen_ai.response.id", resp.ID))
	endChatSpan(span, resp.Model, model.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, []string{string(resp.Choices[0].FinishReason)}, []string{text})
	return strings.TrimSpace(text), nil
}

func (b *OpenAIBackend) completion(ctx context.Context, system, user string, n int, temperature float64, hints model.Hints) ([]string, model.TokenUsage, error) {
	reasoning := IsReasoningModel(b.model)
	maxTokens := int64(decisionMaxTokens)
	if reasoning {
		maxTokens = reasoningDecisionMaxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model: b.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		MaxCompletionTokens: openai.Int(maxTokens),
		N:                   openai.Int(int64(n)),
	}
	var opts []option.RequestOption
	extra := []attribute.KeyValue{attribute.Int("gen_ai.request.choice.count", n)}
	if reasoning {
		// reasoning models reject temperature
		opts = applyHints(&params, hints)
	} else {
		params.Temperature = openai.Float(temperature)
		extra = append(extra, attribute.Float64("gen_ai.request.temperature", temperature))
	}

	ctx, span := startChatSpan(ctx, "openai", b.model, maxTokens, system, user, extra...)
	defer span.End()

	resp, err := b.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		failSpan(span, "api_error")
		return nil, model.TokenUsage{}, fmt.Errorf("openai API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		failSpan(span, "empty_response")
		return nil, model.TokenUsage{}, errors.New("openai API returned empty response")
	}

	texts := make([]string, len(resp.Choices))
	reasons := make([]string, len(resp.Choices))
	for i, c := range resp.Choices {
		texts[i] = c.Message.Content
		reasons[i] = string(c.FinishReason)
	}
	usage := model.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	span.SetAttributes(attribute.String("gen_ai.response.id", resp.ID))
	endChatSpan(span, resp.Model, usage, reasons, texts)
	return texts, usage, nil
}

// applyHints sets the reasoning knobs on params. Verbosity has no typed
// field in the SDK and travels as an extra JSON key.
func applyHints(params *openai.ChatCompletionNewParams, hints model.Hints) []option.RequestOption {
	if hints.ReasoningEffort != "" {
		params.ReasoningEffort = shared.ReasoningEffort(hints.ReasoningEffort)
	}
	if hints.Verbosity == "" {
		return nil
	}
	return []option.RequestOption{option.WithJSONSet("verbosity", hints.Verbosity)}
}
