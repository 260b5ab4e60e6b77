// Package risk turns informed and skeleton sample sets into a hallucination
// risk assessment.
//
// The model's agreement signal under the full prompt is compared with the
// signal under context-erased skeletons. The average clipped log-ratio, in
// bits, is the evidence the context supplies (delta_bar). The tolerance
// h* is turned into a bits requirement (b2t) against the most pessimistic
// skeleton prior, and the ratio of the two decides ANSWER or REFUSE. By
// the EDFL inequality, delta_bar >= b2t implies the hallucination bound
// derived from delta_bar stays at or below h*.
package risk

import (
	"math"

	"github.com/timvw/hallucination-gate/internal/model"
)

// epsProb keeps probabilities away from 0 and 1 before taking logs.
const epsProb = 1e-9

// KLBernoulliBits returns KL(Ber(p) || Ber(q)) in bits.
func KLBernoulliBits(p, q float64) float64 {
	p = clamp(p, epsProb, 1-epsProb)
	q = clamp(q, epsProb, 1-epsProb)
	kl := p*math.Log(p/q) + (1-p)*math.Log((1-p)/(1-q))
	if kl < 0 {
		// rounding near p == q
		kl = 0
	}
	return kl / math.Ln2
}

// RequiredBits is the information needed to lift a prior q to target t.
// A prior already at or above the target needs nothing.
func RequiredBits(target, prior float64) float64 {
	if prior >= target {
		return 0
	}
	return KLBernoulliBits(target, prior)
}

// BitsToTrust returns b2t for tolerance hStar against prior, plus margin.
// It is non-increasing in hStar and increasing in margin.
func BitsToTrust(hStar, prior, margin float64) float64 {
	return RequiredBits(1-hStar, prior) + margin
}

// PMax returns the largest p >= q with KL(p || q) <= budget bits: the
// highest success probability an informed model can reach from prior q
// with the given evidence budget. Non-decreasing in budget.
func PMax(budget, q float64) float64 {
	q = clamp(q, 0, 1)
	if budget <= 0 || q >= 1 {
		return q
	}
	if RequiredBits(1, q) <= budget {
		return 1
	}
	lo, hi := q, 1.0
	for range 100 {
		mid := (lo + hi) / 2
		if KLBernoulliBits(mid, q) <= budget {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// RohBound returns the hallucination bound 1 - PMax(deltaBar, prior).
func RohBound(deltaBar, prior float64) float64 {
	return clamp(1-PMax(deltaBar, prior), 0, 1)
}

// Clip bounds one divergence term. One-sided clipping caps only the upper
// tail; symmetric clipping caps both. Clip is idempotent.
func Clip(d, bound float64, mode model.ClipMode) float64 {
	if d > bound {
		d = bound
	}
	if mode == model.ClipSymmetric && d < -bound {
		d = -bound
	}
	return d
}

// SmoothedMean is the Krichevsky-Trofimov estimate (sum+1/2)/(n+1) of the
// mean of signals in [0,1]. It is strictly inside (0,1) for any input.
func SmoothedMean(signals []float64) float64 {
	var sum float64
	for _, s := range signals {
		sum += clamp(s, 0, 1)
	}
	return (sum + 0.5) / (float64(len(signals)) + 1)
}

// Mean returns the arithmetic mean, 0 for no values.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// z score for a one-sided 95% lower bound.
const lowerZ = 1.6448536269514722

// WilsonLower is the lower Wilson score bound on the mean of signals in
// [0,1]. It never exceeds the plain mean.
func WilsonLower(signals []float64) float64 {
	n := float64(len(signals))
	if n == 0 {
		return 0
	}
	var sum float64
	for _, s := range signals {
		sum += clamp(s, 0, 1)
	}
	p := sum / n
	z2 := lowerZ * lowerZ
	center := p + z2/(2*n)
	margin := lowerZ * math.Sqrt(p*(1-p)/n+z2/(4*n*n))
	lower := (center - margin) / (1 + z2/n)
	return clamp(min(lower, p), 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
