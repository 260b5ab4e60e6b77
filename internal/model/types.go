package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SkeletonPolicy selects how context-erased prompt variants are derived.
type SkeletonPolicy string

const (
	// PolicyAuto picks evidence_erase when the prompt carries detectable
	// evidence, closed_book otherwise.
	PolicyAuto SkeletonPolicy = "auto"
	// PolicyEvidenceErase removes random subsets of the evidence blocks.
	PolicyEvidenceErase SkeletonPolicy = "evidence_erase"
	// PolicyClosedBook strips all evidence and masks the bare question.
	PolicyClosedBook SkeletonPolicy = "closed_book"
)

// ParseSkeletonPolicy returns the policy named by s.
func ParseSkeletonPolicy(s string) (SkeletonPolicy, error) {
	switch p := SkeletonPolicy(strings.TrimSpace(s)); p {
	case PolicyAuto, PolicyEvidenceErase, PolicyClosedBook:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown skeleton policy %q (supported: auto, evidence_erase, closed_book)", ErrConfiguration, s)
	}
}

// ClipMode selects which tails of the per-skeleton divergence are clipped.
type ClipMode string

const (
	// ClipOneSided clips only the upper tail at B_clip.
	ClipOneSided ClipMode = "one-sided"
	// ClipSymmetric clips both tails to [-B_clip, B_clip].
	ClipSymmetric ClipMode = "symmetric"
)

// ParseClipMode returns the clip mode named by s.
func ParseClipMode(s string) (ClipMode, error) {
	switch c := ClipMode(strings.TrimSpace(s)); c {
	case ClipOneSided, ClipSymmetric:
		return c, nil
	default:
		return "", fmt.Errorf("%w: unknown clip mode %q (supported: one-sided, symmetric)", ErrConfiguration, s)
	}
}

// Condition is the sampling condition a SampleSet was drawn under.
type Condition string

const (
	// ConditionInformed samples the full original prompt.
	ConditionInformed Condition = "informed"
	// ConditionSkeleton samples a context-erased variant.
	ConditionSkeleton Condition = "skeleton"
)

// Item bounds for the per-item sampling budget.
const (
	MinSamples   = 1
	MaxSamples   = 15
	MinSkeletons = 2
	MaxSkeletons = 12
)

// Item describes one prompt to assess together with its sampling budget.
// Items are values; nothing in the engine mutates them.
type Item struct {
	// ID identifies the item in reports and errors. Optional.
	ID string `json:"id,omitempty" yaml:"id"`
	// Prompt is the full prompt, including any evidence or context.
	Prompt string `json:"prompt" yaml:"prompt"`
	// NSamples is the number of informed-condition draws.
	NSamples int `json:"n_samples" yaml:"n_samples"`
	// M is the number of skeleton variants.
	M int `json:"m" yaml:"m"`
	// SkeletonPolicy selects how the variants are built.
	SkeletonPolicy SkeletonPolicy `json:"skeleton_policy" yaml:"skeleton_policy"`
}

// Validate checks the item's sampling budget and prompt.
func (it Item) Validate() error {
	if strings.TrimSpace(it.Prompt) == "" {
		return fmt.Errorf("%w: prompt is empty", ErrPolicy)
	}
	if it.M < MinSkeletons {
		return fmt.Errorf("%w: m=%d, divergence estimation needs at least %d skeletons", ErrPolicy, it.M, MinSkeletons)
	}
	if it.M > MaxSkeletons {
		return fmt.Errorf("%w: m %d outside [%d,%d]", ErrConfiguration, it.M, MinSkeletons, MaxSkeletons)
	}
	if it.NSamples < MinSamples || it.NSamples > MaxSamples {
		return fmt.Errorf("%w: n_samples %d outside [%d,%d]", ErrConfiguration, it.NSamples, MinSamples, MaxSamples)
	}
	if _, err := ParseSkeletonPolicy(string(it.SkeletonPolicy)); err != nil {
		return err
	}
	return nil
}

// Label returns the item's ID, or a shortened prompt when no ID is set.
func (it Item) Label() string {
	if it.ID != "" {
		return it.ID
	}
	p := strings.Join(strings.Fields(it.Prompt), " ")
	if len(p) > 48 {
		return p[:45] + "..."
	}
	return p
}

// SkeletonVariant is a context-erased rewrite of an item's prompt.
type SkeletonVariant struct {
	// Index is the variant's position in [0, M).
	Index int `json:"index"`
	// Prompt is the erased prompt text.
	Prompt string `json:"prompt"`
	// Erased counts the evidence blocks or salient spans removed.
	Erased int `json:"erased"`
}

// Sample is one backend draw reduced to its agreement signal.
type Sample struct {
	// Text is the raw model reply.
	Text string `json:"text,omitempty"`
	// Decision is the parsed decision word ("answer" or "refuse").
	Decision string `json:"decision,omitempty"`
	// Signal is the model's confidence that it can answer correctly, in [0,1].
	Signal float64 `json:"signal"`
	// Usage is the token usage attributed to this draw.
	Usage TokenUsage `json:"usage,omitempty"`
}

// SampleSet is the ordered sequence of draws for one (item, condition) pair.
type SampleSet struct {
	Condition Condition `json:"condition"`
	// Variant is the skeleton variant index, -1 for the informed condition.
	Variant int      `json:"variant"`
	Prompt  string   `json:"-"`
	Samples []Sample `json:"samples"`
}

// Signals returns the agreement signals in draw order.
func (s SampleSet) Signals() []float64 {
	out := make([]float64, len(s.Samples))
	for i, smp := range s.Samples {
		out[i] = smp.Signal
	}
	return out
}

// Len returns the number of draws in the set.
func (s SampleSet) Len() int {
	return len(s.Samples)
}

// Usage sums token usage over the set.
func (s SampleSet) Usage() TokenUsage {
	var u TokenUsage
	for _, smp := range s.Samples {
		u.InputTokens += smp.Usage.InputTokens
		u.OutputTokens += smp.Usage.OutputTokens
	}
	return u
}

// TokenUsage tracks LLM token consumption.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Metric is the per-item risk assessment.
//
// ISR is derived from DeltaBar and B2T on every read; it is never stored.
type Metric struct {
	// DeltaBar is the mean clipped informed-vs-skeleton divergence, in bits.
	DeltaBar float64 `json:"delta_bar"`
	// B2T is the bits-to-trust threshold for the requested tolerance.
	B2T float64 `json:"b2t"`
	// RohBound bounds the probability of hallucination for this item.
	RohBound float64 `json:"roh_bound"`
	// QConservative is a lower confidence bound on the informed signal.
	QConservative float64 `json:"q_conservative"`
	// QAvg is the mean informed signal.
	QAvg float64 `json:"q_avg"`
	// PriorAvg and PriorFloor summarise the skeleton-condition priors.
	PriorAvg   float64 `json:"prior_avg"`
	PriorFloor float64 `json:"prior_floor"`
	// Divergences holds the clipped per-skeleton divergences, in bits.
	Divergences []float64 `json:"divergences,omitempty"`
	// DecisionAnswer is true when the item may be answered.
	DecisionAnswer bool `json:"decision_answer"`
	// Rationale explains the decision with its numeric inputs.
	Rationale string `json:"rationale"`

	NInformed int `json:"n_informed"`
	NSkeleton int `json:"n_skeleton"`
}

// ISR returns the information sufficiency ratio DeltaBar / B2T.
func (m Metric) ISR() float64 {
	if m.B2T <= 0 {
		return 0
	}
	return m.DeltaBar / m.B2T
}

// MarshalJSON adds the derived isr field.
func (m Metric) MarshalJSON() ([]byte, error) {
	type plain Metric
	return json.Marshal(struct {
		plain
		ISR float64 `json:"isr"`
	}{plain(m), m.ISR()})
}

// Decision labels.
const (
	DecisionAnswer = "ANSWER"
	DecisionRefuse = "REFUSE"
)

// Certificate is the batch-level SLA report. It is built once by the
// certificate builder and never modified afterwards.
type Certificate struct {
	ID              string    `json:"id"`
	ModelName       string    `json:"model_name"`
	NItems          int       `json:"n_items"`
	NAnswered       int       `json:"n_answered"`
	NRefused        int       `json:"n_refused"`
	AnswerRate      float64   `json:"observed_answer_rate"`
	RefusalRate     float64   `json:"observed_refusal_rate"`
	ConfidenceLevel float64   `json:"confidence_level"`
	HStar           float64   `json:"h_star"`
	ISRThreshold    float64   `json:"isr_threshold"`
	MarginExtraBits float64   `json:"margin_extra_bits"`
	EmpiricalRate   float64   `json:"empirical_hallucination_rate"`
	UpperBound      float64   `json:"hallucination_rate_upper_bound"`
	Method          string    `json:"method"`
	IssuedAt        time.Time `json:"issued_at"`
}

// Summary renders the certificate's claim as one sentence.
func (c Certificate) Summary() string {
	return fmt.Sprintf("with %.0f%% confidence, the realized hallucination rate across %d answered of %d items (model %s) is at most %.2f%%",
		c.ConfidenceLevel*100, c.NAnswered, c.NItems, c.ModelName, c.UpperBound*100)
}

// Evaluation is the engine's result for one item, shaped for collaborators.
type Evaluation struct {
	ItemID         string       `json:"item_id,omitempty"`
	Decision       string       `json:"decision"`
	DecisionAnswer bool         `json:"decision_answer"`
	Rationale      string       `json:"rationale"`
	Metrics        Metric       `json:"metrics"`
	Answer         *string      `json:"answer,omitempty"`
	SLACertificate *Certificate `json:"sla_certificate,omitempty"`
}

// NewEvaluation shapes a Metric into an Evaluation.
func NewEvaluation(item Item, m Metric) Evaluation {
	decision := DecisionRefuse
	if m.DecisionAnswer {
		decision = DecisionAnswer
	}
	return Evaluation{
		ItemID:         item.ID,
		Decision:       decision,
		DecisionAnswer: m.DecisionAnswer,
		Rationale:      m.Rationale,
		Metrics:        m,
	}
}
