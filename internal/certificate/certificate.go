// Package certificate aggregates a batch of per-item risk metrics into an
// auditable SLA certificate.
package certificate

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/timvw/hallucination-gate/internal/model"
)

// DefaultConfidence is the default 1 - alpha of the upper bound.
const DefaultConfidence = 0.95

// Method names the bound a certificate carries.
const Method = "hoeffding"

// Options describe the batch the metrics were produced under.
type Options struct {
	ModelName string
	// Confidence is 1 - alpha, in (0,1). Zero means DefaultConfidence.
	Confidence      float64
	HStar           float64
	ISRThreshold    float64
	MarginExtraBits float64
	// IssuedAt stamps the certificate. Zero means now.
	IssuedAt time.Time
}

// OptionsFrom fills Options from engine settings.
func OptionsFrom(s model.Settings) Options {
	return Options{
		ModelName:       s.Model,
		HStar:           s.HStar,
		ISRThreshold:    s.ISRThreshold,
		MarginExtraBits: s.MarginExtraBits,
	}
}

// Build aggregates metrics into a Certificate.
//
// The empirical rate is the mean roh_bound over answered items. Each bound
// lies in [0,1], so Hoeffding's inequality gives the one-sided upper bound
// rate + sqrt(ln(1/alpha) / (2 n_answered)), capped at 1. A batch with no
// answered items certifies a rate of 0.
func Build(metrics []model.Metric, opts Options) (model.Certificate, error) {
	if len(metrics) == 0 {
		return model.Certificate{}, fmt.Errorf("%w: cannot certify an empty batch", model.ErrInsufficientData)
	}
	confidence := opts.Confidence
	if confidence == 0 {
		confidence = DefaultConfidence
	}
	if !(confidence > 0 && confidence < 1) {
		return model.Certificate{}, fmt.Errorf("%w: confidence level %v outside (0,1)", model.ErrConfiguration, confidence)
	}

	var answered int
	var rohSum float64
	for _, m := range metrics {
		if m.DecisionAnswer {
			answered++
			rohSum += m.RohBound
		}
	}
	n := len(metrics)

	var rate, upper float64
	if answered > 0 {
		rate = rohSum / float64(answered)
		upper = HoeffdingUpper(rate, answered, 1-confidence)
	}

	issued := opts.IssuedAt
	if issued.IsZero() {
		issued = time.Now().UTC()
	}

	return model.Certificate{
		ID:              uuid.NewString(),
		ModelName:       opts.ModelName,
		NItems:          n,
		NAnswered:       answered,
		NRefused:        n - answered,
		AnswerRate:      float64(answered) / float64(n),
		RefusalRate:     float64(n-answered) / float64(n),
		ConfidenceLevel: confidence,
		HStar:           opts.HStar,
		ISRThreshold:    opts.ISRThreshold,
		MarginExtraBits: opts.MarginExtraBits,
		EmpiricalRate:   rate,
		UpperBound:      upper,
		Method:          Method,
		IssuedAt:        issued,
	}, nil
}

// HoeffdingUpper is the one-sided upper confidence bound at level 1-alpha
// on the mean of n independent [0,1] variables with observed mean rate.
func HoeffdingUpper(rate float64, n int, alpha float64) float64 {
	if n <= 0 {
		return 1
	}
	return min(1, rate+math.Sqrt(math.Log(1/alpha)/(2*float64(n))))
}
