package backend

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/timvw/hallucination-gate/internal/model"
)

// DecisionPrompt is the system instruction for decision draws.
// Loaded from prompts/decision.md at compile time.
//
//go:embed prompts/decision.md
var DecisionPrompt string

// AnswerPrompt is the system instruction for answer generation.
// Loaded from prompts/answer.md at compile time.
//
//go:embed prompts/answer.md
var AnswerPrompt string

// decisionMaxTokens bounds a decision reply. Reasoning models need room for
// their hidden reasoning on top of the JSON object.
const (
	decisionMaxTokens          = 64
	reasoningDecisionMaxTokens = 2048
)

// stripMarkdownFences removes a surrounding ```json ... ``` or ``` ... ```
// fence from an LLM reply.
func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

type decisionReply struct {
	Decision   string   `json:"decision"`
	Confidence *float64 `json:"confidence"`
}

// ParseSignal turns a decision reply into a Sample. An "answer" decision
// yields its confidence as the signal; "refuse" yields 1 - confidence. A bare
// "answer" or "refuse" word is accepted with full confidence.
func ParseSignal(raw string) (model.Sample, error) {
	text := stripMarkdownFences(raw)
	smp := model.Sample{Text: raw}

	if start, end := strings.IndexByte(text, '{'), strings.LastIndexByte(text, '}'); start >= 0 && end > start {
		var reply decisionReply
		if err := json.Unmarshal([]byte(text[start:end+1]), &reply); err != nil {
			return smp, fmt.Errorf("failed to parse decision reply as JSON: %w\nraw response: %s", err, raw)
		}
		conf := 1.0
		if reply.Confidence != nil {
			conf = min(max(*reply.Confidence, 0), 1)
		}
		return withDecision(smp, reply.Decision, conf, raw)
	}

	word := strings.Trim(strings.ToLower(text), " \t\r\n.!\"'`")
	return withDecision(smp, word, 1, raw)
}

func withDecision(smp model.Sample, decision string, conf float64, raw string) (model.Sample, error) {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "answer":
		smp.Decision = "answer"
		smp.Signal = conf
	case "refuse":
		smp.Decision = "refuse"
		smp.Signal = 1 - conf
	default:
		return smp, fmt.Errorf("decision reply has no answer/refuse decision: %q", raw)
	}
	return smp, nil
}
