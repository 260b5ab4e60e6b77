package risk

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timvw/hallucination-gate/internal/model"
)

func sampleSet(cond model.Condition, variant int, signals ...float64) model.SampleSet {
	set := model.SampleSet{Condition: cond, Variant: variant}
	for _, s := range signals {
		set.Samples = append(set.Samples, model.Sample{Signal: s})
	}
	return set
}

func skeletonSets(m int, signals ...float64) []model.SampleSet {
	sets := make([]model.SampleSet, m)
	for k := range sets {
		sets[k] = sampleSet(model.ConditionSkeleton, k, signals...)
	}
	return sets
}

func defaultParams() Params {
	return ParamsFrom(model.DefaultSettings())
}

func TestComputeConfidentWithContextAnswers(t *testing.T) {
	c := NewComputer(defaultParams())
	informed := sampleSet(model.ConditionInformed, -1, 1, 1, 1, 1, 1, 1, 1)

	m, err := c.Compute(informed, skeletonSets(6, 0, 0, 0))
	require.NoError(t, err)

	assert.InDelta(t, math.Log2(7.5), m.DeltaBar, 1e-9)
	assert.InDelta(t, 2.7732, m.B2T, 1e-3)
	assert.Greater(t, m.ISR(), 1.0)
	assert.True(t, m.DecisionAnswer)
	assert.LessOrEqual(t, m.RohBound, 0.05)
	assert.Equal(t, 1.0, m.QAvg)
	assert.Less(t, m.QConservative, m.QAvg)
	assert.InDelta(t, 0.125, m.PriorFloor, 1e-12)
	assert.Len(t, m.Divergences, 6)
	assert.Equal(t, 7, m.NInformed)
	assert.Equal(t, 18, m.NSkeleton)
	assert.True(t, strings.HasPrefix(m.Rationale, "ANSWER"), m.Rationale)
	assert.Contains(t, m.Rationale, ">= threshold 1.000")
}

func TestComputeSkeletonAlreadyConfidentRefuses(t *testing.T) {
	c := NewComputer(defaultParams())
	informed := sampleSet(model.ConditionInformed, -1, 1, 1, 1, 1, 1, 1, 1)

	m, err := c.Compute(informed, skeletonSets(6, 1, 1, 1))
	require.NoError(t, err)

	assert.InDelta(t, 0.2466, m.B2T, 1e-3)
	assert.Less(t, m.ISR(), 1.0)
	assert.False(t, m.DecisionAnswer)
	assert.True(t, strings.HasPrefix(m.Rationale, "REFUSE"), m.Rationale)
	assert.Contains(t, m.Rationale, "< threshold")
}

func TestComputeDeltaBarNeverNegative(t *testing.T) {
	c := NewComputer(defaultParams())
	informed := sampleSet(model.ConditionInformed, -1, 0, 0, 0)

	m, err := c.Compute(informed, skeletonSets(3, 1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.DeltaBar)
	for _, d := range m.Divergences {
		assert.Less(t, d, 0.0)
	}
	assert.False(t, m.DecisionAnswer)
}

func TestComputeClipsDivergence(t *testing.T) {
	p := defaultParams()
	p.BClip = 1
	c := NewComputer(p)
	informed := sampleSet(model.ConditionInformed, -1, 1, 1, 1, 1, 1, 1, 1)

	m, err := c.Compute(informed, skeletonSets(2, 0))
	require.NoError(t, err)
	for _, d := range m.Divergences {
		assert.Equal(t, 1.0, d)
	}
	assert.Equal(t, 1.0, m.DeltaBar)
}

func TestComputeDegenerateThreshold(t *testing.T) {
	p := defaultParams()
	p.MarginExtraBits = 0
	p.HStar = 0.5
	c := NewComputer(p)
	informed := sampleSet(model.ConditionInformed, -1, 1, 1)

	_, err := c.Compute(informed, skeletonSets(2, 1, 1, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrDegenerateThreshold)
}

func TestComputeRejectsIncompleteInput(t *testing.T) {
	c := NewComputer(defaultParams())

	_, err := c.Compute(model.SampleSet{}, skeletonSets(2, 1))
	assert.ErrorIs(t, err, model.ErrInsufficientData)

	informed := sampleSet(model.ConditionInformed, -1, 1)
	_, err = c.Compute(informed, skeletonSets(1, 1))
	assert.ErrorIs(t, err, model.ErrPolicy)

	sets := skeletonSets(2, 1)
	sets[1].Samples = nil
	_, err = c.Compute(informed, sets)
	assert.ErrorIs(t, err, model.ErrInsufficientData)
}

// The threshold comparison is the only thing that decides.
func TestDecisionMatchesThreshold(t *testing.T) {
	informedSignals := [][]float64{
		{1, 1, 1, 1, 1, 1, 1},
		{1, 0.8, 0.9, 1, 0.7, 1, 1},
		{0.5, 0.5, 0.5},
		{0, 1, 0, 1},
	}
	skeletonSignals := [][]float64{{0, 0, 0}, {0.2, 0.4}, {0.5}, {1, 1, 0}}
	for _, threshold := range []float64{0.1, 0.5, 1, 1.05, 2, 5} {
		p := defaultParams()
		p.ISRThreshold = threshold
		c := NewComputer(p)
		for _, inf := range informedSignals {
			for _, sk := range skeletonSignals {
				m, err := c.Compute(sampleSet(model.ConditionInformed, -1, inf...), skeletonSets(4, sk...))
				require.NoError(t, err)
				assert.Equal(t, m.ISR() >= threshold, m.DecisionAnswer, "isr=%v threshold=%v", m.ISR(), threshold)
			}
		}
	}
}

func TestDecideIsNonStrict(t *testing.T) {
	assert.True(t, Decide(1, 1))
	assert.False(t, Decide(math.Nextafter(1, 0), 1))
	assert.True(t, Decide(2, 1))
	assert.Equal(t, "ANSWER", DecisionLabel(true))
	assert.Equal(t, "REFUSE", DecisionLabel(false))
}

func TestRationaleFlagsUncertifiedThreshold(t *testing.T) {
	p := defaultParams()
	p.ISRThreshold = 0.5
	m := model.Metric{DeltaBar: 1, B2T: 1.5, DecisionAnswer: true}
	assert.Contains(t, Rationale(m, p), "not certified")
}
