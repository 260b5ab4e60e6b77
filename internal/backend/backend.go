// Package backend provides the language-model sampling capability the risk
// engine depends on.
//
// The engine never interprets prompt content. A backend sends a prompt to a
// provider, asks the model whether it would answer and how confident it is,
// and reduces each reply to an agreement signal in [0,1]. All judgment is
// made by the model.
package backend

import (
	"context"

	"github.com/timvw/hallucination-gate/internal/model"
)

// Backend draws decision samples and generates answers.
type Backend interface {
	// DrawSamples makes count draws for prompt at the given temperature.
	// The returned set has exactly count samples or an error.
	DrawSamples(ctx context.Context, prompt string, count int, temperature float64, hints model.Hints) (model.SampleSet, error)

	// Generate produces a final answer for prompt. Hints apply as for
	// DrawSamples.
	Generate(ctx context.Context, prompt string, maxTokens int, hints model.Hints) (string, error)

	// Provider returns the provider name (e.g., "anthropic", "openai").
	Provider() string

	// Model returns the model name used for sampling.
	Model() string
}
