package backend

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/timvw/hallucination-gate/internal/model"
)

// rateLimited spaces out calls to the wrapped backend.
type rateLimited struct {
	Backend
	limiter *rate.Limiter
}

// RateLimited wraps b so that DrawSamples and Generate calls start at most
// rps times per second, with bursts of up to burst calls. A non-positive rps
// returns b unchanged.
func RateLimited(b Backend, rps float64, burst int) Backend {
	if rps <= 0 {
		return b
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{Backend: b, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *rateLimited) DrawSamples(ctx context.Context, prompt string, count int, temperature float64, hints model.Hints) (model.SampleSet, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return model.SampleSet{}, err
	}
	return r.Backend.DrawSamples(ctx, prompt, count, temperature, hints)
}

func (r *rateLimited) Generate(ctx context.Context, prompt string, maxTokens int, hints model.Hints) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.Backend.Generate(ctx, prompt, maxTokens, hints)
}
