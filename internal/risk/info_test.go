package risk

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/timvw/hallucination-gate/internal/model"
)

func TestKLBernoulliBits(t *testing.T) {
	tests := []struct {
		name     string
		p, q     float64
		expected float64
		delta    float64
	}{
		{"identical distributions", 0.5, 0.5, 0, 1e-9},
		{"p=0.9 q=0.5", 0.9, 0.5, 0.368 / math.Ln2, 0.01},
		{"p=0.1 q=0.5", 0.1, 0.5, 0.368 / math.Ln2, 0.01},
		{"p=0.7 q=0.3", 0.7, 0.3, 0.339 / math.Ln2, 0.01},
		{"q near zero stays finite", 0.5, 0, 13.95, 0.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := KLBernoulliBits(tt.p, tt.q)
			assert.InDelta(t, tt.expected, got, tt.delta)
			assert.False(t, math.IsInf(got, 0) || math.IsNaN(got))
		})
	}
}

func TestRequiredBits(t *testing.T) {
	assert.Equal(t, 0.0, RequiredBits(0.9, 0.95), "prior above target needs no bits")
	assert.Equal(t, 0.0, RequiredBits(0.9, 0.9))
	assert.Greater(t, RequiredBits(0.95, 0.5), 0.0)
}

func TestBitsToTrustMonotoneInHStar(t *testing.T) {
	for _, prior := range []float64{0.05, 0.2, 0.5, 0.8} {
		prev := math.Inf(1)
		for h := 0.001; h <= 0.5; h += 0.001 {
			b := BitsToTrust(h, prior, 0.2)
			assert.LessOrEqual(t, b, prev, "b2t must not increase with h* (prior=%v, h=%v)", prior, h)
			prev = b
		}
	}
	// strictly decreasing while the prior is below target
	assert.Greater(t, BitsToTrust(0.01, 0.3, 0), BitsToTrust(0.1, 0.3, 0))
}

func TestBitsToTrustIncreasingInMargin(t *testing.T) {
	prev := -1.0
	for margin := 0.0; margin <= 5; margin += 0.25 {
		b := BitsToTrust(0.05, 0.4, margin)
		assert.Greater(t, b, prev)
		prev = b
	}
}

func TestRohBoundMonotoneInDeltaBar(t *testing.T) {
	for _, prior := range []float64{0.01, 0.1, 0.5, 0.9} {
		prev := 2.0
		for delta := 0.0; delta <= 20; delta += 0.05 {
			r := RohBound(delta, prior)
			assert.GreaterOrEqual(t, r, 0.0)
			assert.LessOrEqual(t, r, 1.0)
			assert.LessOrEqual(t, r, prev, "roh must not increase with delta_bar (prior=%v, delta=%v)", prior, delta)
			prev = r
		}
	}
}

func TestRohBoundAtZeroEvidence(t *testing.T) {
	assert.InDelta(t, 0.7, RohBound(0, 0.3), 1e-12)
}

func TestSufficientEvidenceCertifiesTolerance(t *testing.T) {
	for _, h := range []float64{0.001, 0.01, 0.05, 0.2, 0.5} {
		for _, floor := range []float64{0.01, 0.1, 0.4, 0.8} {
			for _, extra := range []float64{0, 0.3} {
				avg := min(1, floor+extra)
				for _, margin := range []float64{0, 0.2, 1} {
					b2t := BitsToTrust(h, floor, margin)
					if b2t <= 0 {
						continue
					}
					for _, isr := range []float64{1, 1.2, 3} {
						roh := RohBound(isr*b2t, avg)
						assert.LessOrEqual(t, roh, h+1e-9,
							"isr=%v h=%v floor=%v avg=%v margin=%v", isr, h, floor, avg, margin)
					}
				}
			}
		}
	}
}

func TestClip(t *testing.T) {
	tests := []struct {
		name string
		d    float64
		mode model.ClipMode
		want float64
	}{
		{"one-sided upper", 20, model.ClipOneSided, 12},
		{"one-sided keeps lower tail", -20, model.ClipOneSided, -20},
		{"symmetric upper", 20, model.ClipSymmetric, 12},
		{"symmetric lower", -20, model.ClipSymmetric, -12},
		{"inside range", 3.5, model.ClipSymmetric, 3.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clip(tt.d, 12, tt.mode))
		})
	}
}

func TestClipIdempotent(t *testing.T) {
	for _, mode := range []model.ClipMode{model.ClipOneSided, model.ClipSymmetric} {
		for _, bound := range []float64{1, 4.5, 12, 50} {
			for d := -60.0; d <= 60; d += 0.7 {
				once := Clip(d, bound, mode)
				assert.Equal(t, once, Clip(once, bound, mode), "mode=%s bound=%v d=%v", mode, bound, d)
			}
		}
	}
}

func TestSmoothedMean(t *testing.T) {
	assert.InDelta(t, 0.5, SmoothedMean(nil), 1e-12)
	assert.InDelta(t, 7.5/8, SmoothedMean([]float64{1, 1, 1, 1, 1, 1, 1}), 1e-12)
	assert.InDelta(t, 0.5/4, SmoothedMean([]float64{0, 0, 0}), 1e-12)
	// out-of-range signals are clamped
	assert.InDelta(t, 1.5/2, SmoothedMean([]float64{3}), 1e-12)
}

func TestWilsonLower(t *testing.T) {
	assert.Equal(t, 0.0, WilsonLower(nil))
	all := []float64{1, 1, 1, 1, 1, 1, 1}
	lo := WilsonLower(all)
	assert.Less(t, lo, 1.0)
	assert.InDelta(t, 0.721, lo, 0.01)

	mixed := []float64{1, 0, 1, 0.5}
	assert.LessOrEqual(t, WilsonLower(mixed), Mean(mixed))
	assert.GreaterOrEqual(t, WilsonLower(mixed), 0.0)
}

func TestPMaxBounds(t *testing.T) {
	assert.Equal(t, 0.3, PMax(0, 0.3))
	assert.Equal(t, 1.0, PMax(100, 0.3))
	p := PMax(1, 0.3)
	assert.Greater(t, p, 0.3)
	assert.InDelta(t, 1.0, KLBernoulliBits(p, 0.3), 1e-6)
}
