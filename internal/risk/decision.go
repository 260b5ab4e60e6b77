package risk

import "github.com/timvw/hallucination-gate/internal/model"

// Decide is the decision rule: answer iff isr >= threshold.
func Decide(isr, threshold float64) bool {
	return isr >= threshold
}

// DecisionLabel returns "ANSWER" or "REFUSE".
func DecisionLabel(answer bool) string {
	if answer {
		return model.DecisionAnswer
	}
	return model.DecisionRefuse
}
