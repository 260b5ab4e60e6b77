// Package planner orchestrates risk assessment over a batch of items:
// skeleton generation, informed and skeleton sampling, metric computation,
// the decision, optional answer generation and the batch certificate.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/timvw/hallucination-gate/internal/backend"
	"github.com/timvw/hallucination-gate/internal/certificate"
	"github.com/timvw/hallucination-gate/internal/model"
	hgotel "github.com/timvw/hallucination-gate/internal/otel"
	"github.com/timvw/hallucination-gate/internal/risk"
	"github.com/timvw/hallucination-gate/internal/skeleton"
)

var tracer = otel.Tracer("hallucination-gate/planner")

// In-band answer texts. Answer generation never fails the item.
const (
	AnswerRefused    = "Request refused - insufficient information confidence"
	AnswerEmpty      = "No answer generated"
	answerErrorText  = "Error generating answer: "
	operationSample  = "sample"
	operationAnswer  = "generate"
	outcomeError     = "error"
	langfuseTraceTag = "hallucination-gate"
)

// Planner evaluates items against one backend and one set of settings.
// It holds no state between calls and is safe for concurrent use.
type Planner struct {
	backend   backend.Backend
	settings  model.Settings
	computer  *risk.Computer
	skeletons *skeleton.Generator
	logger    *slog.Logger
	metrics   *hgotel.Metrics
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// WithMetrics sets the OTEL metric instruments; nil disables recording.
func WithMetrics(m *hgotel.Metrics) Option {
	return func(p *Planner) { p.metrics = m }
}

// WithGenerator sets the skeleton generator. The default is seeded from
// Settings.Seed.
func WithGenerator(g *skeleton.Generator) Option {
	return func(p *Planner) { p.skeletons = g }
}

// New validates settings and returns a planner. Invalid settings fail with
// ErrConfiguration; nothing is clamped here.
func New(b backend.Backend, s model.Settings, opts ...Option) (*Planner, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: backend is required", model.ErrConfiguration)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	p := &Planner{
		backend:  b,
		settings: s,
		computer: risk.NewComputer(risk.ParamsFrom(s)),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.skeletons == nil {
		p.skeletons = skeleton.New(s.Seed)
	}
	return p, nil
}

// Settings returns the planner's settings.
func (p *Planner) Settings() model.Settings { return p.settings }

// Evaluate assesses one item. It issues item.NSamples informed calls and
// item.M skeleton calls with bounded parallelism and only computes the
// metric once every call has returned. The first failure cancels the
// remaining calls; no partial metric is returned.
func (p *Planner) Evaluate(ctx context.Context, item model.Item) (*model.Metric, error) {
	ctx, span := tracer.Start(ctx, "evaluate_item",
		trace.WithAttributes(
			attribute.String("item.id", item.ID),
			attribute.Int("item.n_samples", item.NSamples),
			attribute.Int("item.m", item.M),
			attribute.String("item.skeleton_policy", string(item.SkeletonPolicy)),
			attribute.String("langfuse.observation.input", item.Prompt),
		))
	defer span.End()

	// policy and budget errors surface before any backend call
	if err := item.Validate(); err != nil {
		span.SetAttributes(attribute.String("error.type", model.ErrorKind(err)))
		return nil, err
	}
	variants, err := p.skeletons.Generate(item)
	if err != nil {
		span.SetAttributes(attribute.String("error.type", model.ErrorKind(err)))
		return nil, err
	}

	informed, skeletons, err := p.sample(ctx, item, variants)
	if err != nil {
		span.SetAttributes(attribute.String("error.type", model.ErrorKind(err)))
		return nil, err
	}

	m, err := p.computer.Compute(informed, skeletons)
	if err != nil {
		span.SetAttributes(attribute.String("error.type", model.ErrorKind(err)))
		return nil, err
	}

	p.metrics.RecordISR(ctx, m.ISR())
	span.SetAttributes(
		attribute.Float64("risk.delta_bar", m.DeltaBar),
		attribute.Float64("risk.b2t", m.B2T),
		attribute.Float64("risk.isr", m.ISR()),
		attribute.Float64("risk.roh_bound", m.RohBound),
		attribute.String("risk.decision", risk.DecisionLabel(m.DecisionAnswer)),
		attribute.String("langfuse.observation.output", m.Rationale),
	)
	return &m, nil
}

// sample fans out the informed and skeleton calls for one item.
func (p *Planner) sample(ctx context.Context, item model.Item, variants []model.SkeletonVariant) (model.SampleSet, []model.SampleSet, error) {
	s := p.settings
	informedDraws := make([]model.SampleSet, item.NSamples)
	skeletons := make([]model.SampleSet, len(variants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.SamplingParallelism(item.NSamples + len(variants)))

	for i := range informedDraws {
		g.Go(func() error {
			set, err := p.draw(gctx, item.Prompt, 1)
			if err != nil {
				return err
			}
			informedDraws[i] = set
			return nil
		})
	}
	for k, v := range variants {
		g.Go(func() error {
			set, err := p.draw(gctx, v.Prompt, s.SkeletonDraws)
			if err != nil {
				return err
			}
			set.Condition = model.ConditionSkeleton
			set.Variant = v.Index
			set.Prompt = v.Prompt
			skeletons[k] = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// caller cancellation wins over the sibling errors it caused
		if ctxErr := ctx.Err(); ctxErr != nil {
			return model.SampleSet{}, nil, ctxErr
		}
		return model.SampleSet{}, nil, err
	}

	informed := model.SampleSet{Condition: model.ConditionInformed, Variant: -1, Prompt: item.Prompt}
	for _, d := range informedDraws {
		informed.Samples = append(informed.Samples, d.Samples...)
	}

	p.metrics.RecordSamples(ctx, string(model.ConditionInformed), informed.Len())
	var skeletonDraws int
	usage := informed.Usage()
	for _, sk := range skeletons {
		skeletonDraws += sk.Len()
		u := sk.Usage()
		usage.InputTokens += u.InputTokens
		usage.OutputTokens += u.OutputTokens
	}
	p.metrics.RecordSamples(ctx, string(model.ConditionSkeleton), skeletonDraws)
	p.metrics.RecordTokens(ctx, p.backend.Provider(), p.backend.Model(), usage.InputTokens, usage.OutputTokens)

	return informed, skeletons, nil
}

func (p *Planner) draw(ctx context.Context, prompt string, count int) (model.SampleSet, error) {
	set, err := p.backend.DrawSamples(ctx, prompt, count, p.settings.Temperature, p.settings.Hints)
	if err != nil {
		if ctx.Err() == nil {
			p.metrics.RecordBackendError(ctx, p.backend.Provider(), operationSample)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return model.SampleSet{}, err
		}
		return model.SampleSet{}, model.BackendError(p.backend.Provider(), err)
	}
	if set.Len() != count {
		p.metrics.RecordBackendError(ctx, p.backend.Provider(), operationSample)
		return model.SampleSet{}, model.BackendError(p.backend.Provider(),
			fmt.Errorf("returned %d samples, want %d", set.Len(), count))
	}
	return set, nil
}

// Answer returns the answer text to surface for an evaluated item, or nil
// when answer generation is disabled. A generation failure becomes an
// in-band message; the decision stands regardless.
func (p *Planner) Answer(ctx context.Context, item model.Item, m model.Metric) *string {
	if !p.settings.GenerateAnswer {
		return nil
	}
	text := AnswerRefused
	if m.DecisionAnswer {
		text = p.generate(ctx, item)
	}
	return &text
}

func (p *Planner) generate(ctx context.Context, item model.Item) string {
	ctx, span := tracer.Start(ctx, "generate_answer",
		trace.WithAttributes(attribute.String("item.id", item.ID)))
	defer span.End()

	answer, err := p.backend.Generate(ctx, item.Prompt, p.settings.MaxAnswerTokens, p.settings.Hints)
	if err != nil {
		p.metrics.RecordBackendError(ctx, p.backend.Provider(), operationAnswer)
		p.logger.Warn("answer generation failed", "item", item.Label(), "err", err)
		span.SetAttributes(attribute.String("error.type", model.ErrorKind(err)))
		return answerErrorText + err.Error()
	}
	if strings.TrimSpace(answer) == "" {
		return AnswerEmpty
	}
	return answer
}

// ItemResult is the outcome of one item in a batch. Exactly one of Metric
// and Err is set.
type ItemResult struct {
	Index int
	Item  model.Item
	// Metric is set when the item was evaluated.
	Metric *model.Metric
	// Evaluation is the collaborator-facing view, set by Assess.
	Evaluation *model.Evaluation
	// Err is a *model.ItemError when the item failed.
	Err error
	// Duration is the wall time spent evaluating the item.
	Duration time.Duration
}

// Run evaluates items independently with at most Settings.Parallel items in
// flight. A failed item yields an ItemResult carrying a *model.ItemError and
// never blocks or corrupts the others. Results keep the input order.
func (p *Planner) Run(ctx context.Context, items []model.Item) []ItemResult {
	ctx, span := tracer.Start(ctx, "run_batch",
		trace.WithAttributes(
			attribute.Int("batch.items", len(items)),
			attribute.String("llm.provider", p.backend.Provider()),
			attribute.String("llm.model", p.backend.Model()),

			// Langfuse trace-level attributes
			attribute.String("langfuse.trace.name", "hallucination-gate-batch"),
			attribute.StringSlice("langfuse.trace.tags", []string{langfuseTraceTag, "batch"}),
		))
	defer span.End()

	results := make([]ItemResult, len(items))
	if len(items) == 0 {
		return results
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, p.settings.SamplingParallelism(len(items)))

	for i, item := range items {
		wg.Add(1)
		go func(idx int, it model.Item) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			m, err := p.Evaluate(ctx, it)
			results[idx] = ItemResult{Index: idx, Item: it, Duration: time.Since(start)}
			if err != nil {
				p.logger.Warn("item evaluation failed", "index", idx, "item", it.Label(), "kind", model.ErrorKind(err), "err", err)
				p.metrics.RecordEvaluation(ctx, outcomeError)
				results[idx].Err = &model.ItemError{Index: idx, ID: it.ID, Prompt: it.Prompt, Err: err}
				return
			}
			p.logger.Debug("item evaluated", "index", idx, "item", it.Label(),
				"decision", risk.DecisionLabel(m.DecisionAnswer), "isr", m.ISR(), "roh_bound", m.RohBound)
			p.metrics.RecordEvaluation(ctx, strings.ToLower(risk.DecisionLabel(m.DecisionAnswer)))
			results[idx].Metric = m
		}(i, item)
	}

	wg.Wait()

	failed := 0
	answered := 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			failed++
		case r.Metric.DecisionAnswer:
			answered++
		}
	}
	span.SetAttributes(
		attribute.Int("batch.failed", failed),
		attribute.Int("batch.answered", answered),
	)
	return results
}

// Aggregate builds the batch certificate from the successfully evaluated
// items. Failed items are left out; a batch with no evaluated item fails
// with ErrInsufficientData.
func (p *Planner) Aggregate(results []ItemResult) (model.Certificate, error) {
	metrics := make([]model.Metric, 0, len(results))
	for _, r := range results {
		if r.Metric != nil {
			metrics = append(metrics, *r.Metric)
		}
	}
	return certificate.Build(metrics, certificate.OptionsFrom(p.settings))
}

// BatchReport is the full outcome of Assess.
type BatchReport struct {
	Results []ItemResult
	// Certificate is nil when CertificateErr is set.
	Certificate *model.Certificate
	// CertificateErr reports why no certificate could be built. It does
	// not invalidate the per-item metrics.
	CertificateErr error
}

// Failed returns the item errors in input order.
func (r *BatchReport) Failed() []error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errs
}

// Assess runs the whole pipeline: evaluate every item, generate answers
// where allowed, aggregate the certificate and attach it to each
// evaluation. It fails only when ctx is done.
func (p *Planner) Assess(ctx context.Context, items []model.Item) (*BatchReport, error) {
	results := p.Run(ctx, items)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Answer failures are reported in-band, so there is no error to join.
	var wg sync.WaitGroup
	sem := make(chan struct{}, p.settings.SamplingParallelism(len(results)))
	for i := range results {
		if results[i].Metric == nil {
			continue
		}
		wg.Add(1)
		go func(r *ItemResult) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			ev := model.NewEvaluation(r.Item, *r.Metric)
			ev.Answer = p.Answer(ctx, r.Item, *r.Metric)
			r.Evaluation = &ev
		}(&results[i])
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &BatchReport{Results: results}
	cert, err := p.Aggregate(results)
	if err != nil {
		p.logger.Warn("certificate not built", "err", err)
		report.CertificateErr = fmt.Errorf("failed to generate certificate: %w", err)
		return report, nil
	}
	report.Certificate = &cert
	for i := range results {
		if results[i].Evaluation != nil {
			results[i].Evaluation.SLACertificate = report.Certificate
		}
	}
	return report, nil
}
