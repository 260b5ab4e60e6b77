package risk

import (
	"fmt"
	"math"
	"strings"

	"github.com/timvw/hallucination-gate/internal/model"
)

// Params are the settings the computer needs.
type Params struct {
	HStar           float64
	ISRThreshold    float64
	MarginExtraBits float64
	BClip           float64
	ClipMode        model.ClipMode
}

// ParamsFrom extracts Params from engine settings.
func ParamsFrom(s model.Settings) Params {
	return Params{
		HStar:           s.HStar,
		ISRThreshold:    s.ISRThreshold,
		MarginExtraBits: s.MarginExtraBits,
		BClip:           s.BClip,
		ClipMode:        s.ClipMode,
	}
}

// Computer reduces one item's sample sets to a Metric. It holds no state
// between calls.
type Computer struct {
	params Params
}

// NewComputer creates a computer for the given parameters.
func NewComputer(p Params) *Computer {
	return &Computer{params: p}
}

// Compute builds the Metric from the complete informed and skeleton sample
// sets of one item. Every set must be non-empty; callers hand over the
// whole item or nothing.
func (c *Computer) Compute(informed model.SampleSet, skeletons []model.SampleSet) (model.Metric, error) {
	if informed.Len() == 0 {
		return model.Metric{}, fmt.Errorf("%w: no informed samples", model.ErrInsufficientData)
	}
	if len(skeletons) < model.MinSkeletons {
		return model.Metric{}, fmt.Errorf("%w: %d skeleton sample sets, need at least %d", model.ErrPolicy, len(skeletons), model.MinSkeletons)
	}

	signals := informed.Signals()
	posterior := SmoothedMean(signals)

	divergences := make([]float64, len(skeletons))
	priors := make([]float64, len(skeletons))
	nSkeleton := 0
	for k, sk := range skeletons {
		if sk.Len() == 0 {
			return model.Metric{}, fmt.Errorf("%w: skeleton %d has no samples", model.ErrInsufficientData, k)
		}
		nSkeleton += sk.Len()
		priors[k] = SmoothedMean(sk.Signals())
		d := math.Log2(posterior) - math.Log2(priors[k])
		divergences[k] = Clip(d, c.params.BClip, c.params.ClipMode)
	}

	deltaBar := max(0, Mean(divergences))
	priorAvg := Mean(priors)
	priorFloor := priors[0]
	for _, p := range priors[1:] {
		priorFloor = min(priorFloor, p)
	}

	b2t := BitsToTrust(c.params.HStar, priorFloor, c.params.MarginExtraBits)
	if !(b2t > 0) || math.IsInf(b2t, 0) {
		return model.Metric{}, fmt.Errorf("%w: b2t=%v for h*=%.4g, prior=%.4g, margin=%.4g",
			model.ErrDegenerateThreshold, b2t, c.params.HStar, priorFloor, c.params.MarginExtraBits)
	}

	m := model.Metric{
		DeltaBar:      deltaBar,
		B2T:           b2t,
		RohBound:      RohBound(deltaBar, priorAvg),
		QConservative: WilsonLower(signals),
		QAvg:          Mean(signals),
		PriorAvg:      priorAvg,
		PriorFloor:    priorFloor,
		Divergences:   divergences,
		NInformed:     informed.Len(),
		NSkeleton:     nSkeleton,
	}
	m.DecisionAnswer = Decide(m.ISR(), c.params.ISRThreshold)
	m.Rationale = Rationale(m, c.params)
	return m, nil
}

// Rationale explains a Metric's decision with its numeric inputs.
func Rationale(m model.Metric, p Params) string {
	isr := m.ISR()
	cmp := ">="
	if !Decide(isr, p.ISRThreshold) {
		cmp = "<"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: delta_bar=%.4f bits, b2t=%.4f bits (h*=%.3f, margin=%.2f), isr=%.3f %s threshold %.3f",
		DecisionLabel(m.DecisionAnswer), m.DeltaBar, m.B2T, p.HStar, p.MarginExtraBits, isr, cmp, p.ISRThreshold)
	fmt.Fprintf(&b, "; roh_bound=%.4f, q_avg=%.3f, q_conservative=%.3f, skeleton prior avg=%.3f min=%.3f",
		m.RohBound, m.QAvg, m.QConservative, m.PriorAvg, m.PriorFloor)
	if m.DecisionAnswer && p.ISRThreshold < 1 && isr < 1 {
		b.WriteString("; isr below 1, roh_bound is not certified at h*")
	}
	return b.String()
}
