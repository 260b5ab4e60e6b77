package planner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timvw/hallucination-gate/internal/model"
	"github.com/timvw/hallucination-gate/internal/skeleton"
)

const nobelPrompt = "Who won the 2019 Nobel Prize in Physics?"

// fakeBackend answers every draw with a fixed signal: informedSignal for
// unmasked prompts, skeletonSignal for prompts carrying a mask. Prompts
// containing failOn fail.
type fakeBackend struct {
	informedSignal float64
	skeletonSignal float64
	failOn         string
	answer         string
	answerErr      error
	delay          time.Duration

	mu          sync.Mutex
	drawCounts  []int
	prompts     []string
	generations int
	answerHints model.Hints
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeBackend) DrawSamples(ctx context.Context, prompt string, count int, _ float64, _ model.Hints) (model.SampleSet, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.drawCounts = append(f.drawCounts, count)
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return model.SampleSet{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return model.SampleSet{}, err
	}
	if f.failOn != "" && strings.Contains(prompt, f.failOn) {
		return model.SampleSet{}, errors.New("rate limit exceeded")
	}

	signal := f.informedSignal
	if strings.Contains(prompt, skeleton.Mask) || strings.Contains(prompt, skeleton.EvidenceMarker) {
		signal = f.skeletonSignal
	}
	set := model.SampleSet{Prompt: prompt}
	for range count {
		set.Samples = append(set.Samples, model.Sample{
			Decision: "answer",
			Signal:   signal,
			Usage:    model.TokenUsage{InputTokens: 10, OutputTokens: 2},
		})
	}
	return set, nil
}

func (f *fakeBackend) Generate(_ context.Context, _ string, _ int, hints model.Hints) (string, error) {
	f.mu.Lock()
	f.generations++
	f.answerHints = hints
	f.mu.Unlock()
	return f.answer, f.answerErr
}

func (f *fakeBackend) Provider() string { return "fake" }
func (f *fakeBackend) Model() string    { return "fake-model" }

func (f *fakeBackend) calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.drawCounts...)
}

func (f *fakeBackend) sentPrompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func confident() *fakeBackend {
	return &fakeBackend{informedSignal: 1, skeletonSignal: 0, answer: "Peebles, Mayor and Queloz"}
}

func newPlanner(t *testing.T, b *fakeBackend, mutate ...func(*model.Settings)) *Planner {
	t.Helper()
	s := model.DefaultSettings()
	s.Seed = 1
	for _, m := range mutate {
		m(&s)
	}
	p, err := New(b, s)
	require.NoError(t, err)
	return p
}

func TestEvaluateNobelScenario(t *testing.T) {
	b := confident()
	p := newPlanner(t, b)

	item := model.Item{Prompt: nobelPrompt, NSamples: 7, M: 6, SkeletonPolicy: model.PolicyClosedBook}
	m, err := p.Evaluate(context.Background(), item)
	require.NoError(t, err)

	assert.InDelta(t, m.DeltaBar/m.B2T, m.ISR(), 1e-12)
	assert.Equal(t, m.ISR() >= 1.0, m.DecisionAnswer)
	assert.True(t, m.DecisionAnswer)
	assert.LessOrEqual(t, m.RohBound, 0.05)
	assert.Equal(t, 7, m.NInformed)
	assert.Equal(t, 6*model.DefaultSkeletonDraws, m.NSkeleton)
}

func TestEvaluateIssuesNSamplesPlusMCalls(t *testing.T) {
	b := confident()
	p := newPlanner(t, b)

	item := model.Item{Prompt: nobelPrompt, NSamples: 5, M: 4, SkeletonPolicy: model.PolicyClosedBook}
	_, err := p.Evaluate(context.Background(), item)
	require.NoError(t, err)

	counts := b.calls()
	require.Len(t, counts, 9)
	ones, skeletons := 0, 0
	for _, c := range counts {
		switch c {
		case 1:
			ones++
		case model.DefaultSkeletonDraws:
			skeletons++
		}
	}
	assert.Equal(t, 5, ones)
	assert.Equal(t, 4, skeletons)
}

func TestEvaluateRefusesWithoutContextGain(t *testing.T) {
	b := &fakeBackend{informedSignal: 1, skeletonSignal: 1}
	p := newPlanner(t, b)

	m, err := p.Evaluate(context.Background(), model.Item{Prompt: nobelPrompt, NSamples: 7, M: 6, SkeletonPolicy: model.PolicyClosedBook})
	require.NoError(t, err)
	assert.False(t, m.DecisionAnswer)
	assert.Less(t, m.ISR(), 1.0)
	assert.True(t, strings.HasPrefix(m.Rationale, model.DecisionRefuse))
}

func TestEvaluatePolicyErrorBeforeAnyCall(t *testing.T) {
	for _, policy := range []model.SkeletonPolicy{model.PolicyAuto, model.PolicyEvidenceErase, model.PolicyClosedBook} {
		t.Run(string(policy), func(t *testing.T) {
			b := confident()
			p := newPlanner(t, b)

			m, err := p.Evaluate(context.Background(), model.Item{Prompt: nobelPrompt, NSamples: 7, M: 1, SkeletonPolicy: policy})
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrPolicy)
			assert.Nil(t, m)
			assert.Empty(t, b.calls())
		})
	}
}

func TestEvaluateBackendFailureAbortsItem(t *testing.T) {
	b := confident()
	b.failOn = skeleton.Mask
	p := newPlanner(t, b)

	m, err := p.Evaluate(context.Background(), model.Item{Prompt: nobelPrompt, NSamples: 3, M: 2, SkeletonPolicy: model.PolicyClosedBook})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrBackend)
	assert.Contains(t, err.Error(), "rate limit exceeded")
	assert.Nil(t, m)
}

func TestEvaluateCancelled(t *testing.T) {
	b := confident()
	b.delay = time.Second
	p := newPlanner(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	m, err := p.Evaluate(ctx, model.Item{Prompt: nobelPrompt, NSamples: 7, M: 6, SkeletonPolicy: model.PolicyClosedBook})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, m)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestEvaluateBoundsParallelism(t *testing.T) {
	b := confident()
	b.delay = 5 * time.Millisecond
	p := newPlanner(t, b, func(s *model.Settings) { s.Parallel = 2 })

	_, err := p.Evaluate(context.Background(), model.Item{Prompt: nobelPrompt, NSamples: 6, M: 4, SkeletonPolicy: model.PolicyClosedBook})
	require.NoError(t, err)
	assert.LessOrEqual(t, b.maxInFlight.Load(), int32(2))
}

func TestRunIsolatesFailingItem(t *testing.T) {
	b := confident()
	b.failOn = "boom"
	p := newPlanner(t, b)

	items := []model.Item{
		{ID: "a", Prompt: nobelPrompt, NSamples: 3, M: 2, SkeletonPolicy: model.PolicyClosedBook},
		{ID: "b", Prompt: "boom: who discovered Element 117?", NSamples: 3, M: 2, SkeletonPolicy: model.PolicyClosedBook},
		{ID: "c", Prompt: "What is the capital of France?", NSamples: 3, M: 2, SkeletonPolicy: model.PolicyClosedBook},
	}
	results := p.Run(context.Background(), items)
	require.Len(t, results, 3)

	for _, i := range []int{0, 2} {
		assert.NoError(t, results[i].Err, "item %d", i)
		assert.NotNil(t, results[i].Metric, "item %d", i)
		assert.Equal(t, items[i].ID, results[i].Item.ID)
	}

	require.Error(t, results[1].Err)
	assert.Nil(t, results[1].Metric)
	var itemErr *model.ItemError
	require.ErrorAs(t, results[1].Err, &itemErr)
	assert.Equal(t, 1, itemErr.Index)
	assert.Equal(t, "b", itemErr.ID)
	assert.ErrorIs(t, results[1].Err, model.ErrBackend)
}

func TestAnswer(t *testing.T) {
	answered := model.Metric{DecisionAnswer: true}
	refused := model.Metric{}
	item := model.Item{Prompt: nobelPrompt}
	withAnswers := func(s *model.Settings) { s.GenerateAnswer = true }

	t.Run("disabled", func(t *testing.T) {
		b := confident()
		p := newPlanner(t, b)
		assert.Nil(t, p.Answer(context.Background(), item, answered))
		assert.Zero(t, b.generations)
	})

	t.Run("answered", func(t *testing.T) {
		b := confident()
		p := newPlanner(t, b, withAnswers)
		got := p.Answer(context.Background(), item, answered)
		require.NotNil(t, got)
		assert.Equal(t, "Peebles, Mayor and Queloz", *got)
	})

	t.Run("hints reach generation", func(t *testing.T) {
		b := confident()
		p := newPlanner(t, b, withAnswers, func(s *model.Settings) {
			s.Hints = model.Hints{Verbosity: "high", ReasoningEffort: "medium"}
		})
		require.NotNil(t, p.Answer(context.Background(), item, answered))
		assert.Equal(t, model.Hints{Verbosity: "high", ReasoningEffort: "medium"}, b.answerHints)
	})

	t.Run("refused is not generated", func(t *testing.T) {
		b := confident()
		p := newPlanner(t, b, withAnswers)
		got := p.Answer(context.Background(), item, refused)
		require.NotNil(t, got)
		assert.Equal(t, AnswerRefused, *got)
		assert.Zero(t, b.generations)
	})

	t.Run("generation error stays in band", func(t *testing.T) {
		b := confident()
		b.answerErr = model.BackendError("fake", errors.New("connection reset"))
		p := newPlanner(t, b, withAnswers)
		got := p.Answer(context.Background(), item, answered)
		require.NotNil(t, got)
		assert.True(t, strings.HasPrefix(*got, "Error generating answer: "), *got)
		assert.Contains(t, *got, "connection reset")
	})

	t.Run("empty answer", func(t *testing.T) {
		b := confident()
		b.answer = "  "
		p := newPlanner(t, b, withAnswers)
		got := p.Answer(context.Background(), item, answered)
		require.NotNil(t, got)
		assert.Equal(t, AnswerEmpty, *got)
	})
}

func TestAssessAttachesCertificate(t *testing.T) {
	b := confident()
	b.failOn = "boom"
	p := newPlanner(t, b, func(s *model.Settings) { s.GenerateAnswer = true })

	items := []model.Item{
		{ID: "ok", Prompt: nobelPrompt, NSamples: 7, M: 6, SkeletonPolicy: model.PolicyClosedBook},
		{ID: "bad", Prompt: "boom", NSamples: 3, M: 2, SkeletonPolicy: model.PolicyClosedBook},
	}
	report, err := p.Assess(context.Background(), items)
	require.NoError(t, err)
	require.NoError(t, report.CertificateErr)
	require.NotNil(t, report.Certificate)

	assert.Equal(t, 1, report.Certificate.NItems)
	assert.Equal(t, 1, report.Certificate.NAnswered)
	assert.Equal(t, model.DefaultModel, report.Certificate.ModelName)
	assert.Len(t, report.Failed(), 1)

	ev := report.Results[0].Evaluation
	require.NotNil(t, ev)
	assert.Equal(t, model.DecisionAnswer, ev.Decision)
	assert.Same(t, report.Certificate, ev.SLACertificate)
	require.NotNil(t, ev.Answer)
	assert.Equal(t, "Peebles, Mayor and Queloz", *ev.Answer)
	assert.Nil(t, report.Results[1].Evaluation)
}

func TestAssessAllFailedKeepsReport(t *testing.T) {
	b := confident()
	b.failOn = "Nobel"
	p := newPlanner(t, b)

	report, err := p.Assess(context.Background(), []model.Item{
		{Prompt: nobelPrompt, NSamples: 2, M: 2, SkeletonPolicy: model.PolicyClosedBook},
	})
	require.NoError(t, err)
	assert.Nil(t, report.Certificate)
	assert.ErrorIs(t, report.CertificateErr, model.ErrInsufficientData)
	assert.Len(t, report.Failed(), 1)
}

func TestAggregateEmptyBatch(t *testing.T) {
	p := newPlanner(t, confident())
	_, err := p.Aggregate(nil)
	assert.ErrorIs(t, err, model.ErrInsufficientData)
}

func TestNewValidatesSettings(t *testing.T) {
	s := model.DefaultSettings()
	s.HStar = 0.9
	_, err := New(confident(), s)
	assert.ErrorIs(t, err, model.ErrConfiguration)

	_, err = New(nil, model.DefaultSettings())
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestWithGeneratorIsUsed(t *testing.T) {
	g := skeleton.New(77)
	p, err := New(confident(), model.DefaultSettings(), WithGenerator(g))
	require.NoError(t, err)
	assert.Same(t, g, p.skeletons)
}

func TestAssessAnswersEveryItemWithBoundedParallelism(t *testing.T) {
	b := confident()
	p := newPlanner(t, b, func(s *model.Settings) {
		s.GenerateAnswer = true
		s.Parallel = 2
	})

	items := make([]model.Item, 5)
	for i := range items {
		items[i] = model.Item{Prompt: nobelPrompt, NSamples: 3, M: 2, SkeletonPolicy: model.PolicyClosedBook}
	}
	report, err := p.Assess(context.Background(), items)
	require.NoError(t, err)
	require.NotNil(t, report.Certificate)

	for i, r := range report.Results {
		require.NotNil(t, r.Evaluation, "item %d", i)
		require.NotNil(t, r.Evaluation.Answer, "item %d", i)
		assert.Equal(t, "Peebles, Mayor and Queloz", *r.Evaluation.Answer)
	}
	assert.Equal(t, len(items), b.generations)
}

func TestEvaluateNeverSendsEmptySkeleton(t *testing.T) {
	prompts := []string{
		"Context: The Eiffel Tower is 330 m tall. How tall is the Eiffel Tower?",
		"> The Eiffel Tower is 330 m tall. How tall is the Eiffel Tower?",
		"Context: How tall is the Eiffel Tower?",
	}
	for _, policy := range []model.SkeletonPolicy{model.PolicyAuto, model.PolicyClosedBook, model.PolicyEvidenceErase} {
		for _, prompt := range prompts {
			t.Run(string(policy)+"/"+prompt, func(t *testing.T) {
				b := confident()
				p := newPlanner(t, b)
				_, err := p.Evaluate(context.Background(), model.Item{Prompt: prompt, NSamples: 2, M: 2, SkeletonPolicy: policy})
				require.NoError(t, err)

				sent := b.sentPrompts()
				require.NotEmpty(t, sent)
				for _, s := range sent {
					assert.NotEmpty(t, strings.TrimSpace(s))
					assert.Contains(t, s, "How tall is the")
				}
			})
		}
	}
}
