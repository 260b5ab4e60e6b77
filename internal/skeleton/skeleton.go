// Package skeleton derives context-erased variants of a prompt. Sampling the
// model on a skeleton estimates how confident it would be without the
// evidence the full prompt supplies.
package skeleton

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"

	"github.com/timvw/hallucination-gate/internal/model"
)

// Generator builds skeleton variants. It keeps no per-call state and is safe
// for concurrent use; the random stream of each call is derived from the
// seed and the prompt, so the same seed reproduces the same masks.
type Generator struct {
	seed uint64
}

// New returns a generator. A zero seed draws a random one.
func New(seed uint64) *Generator {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Generator{seed: seed}
}

// Seed returns the generator's effective seed.
func (g *Generator) Seed() uint64 { return g.seed }

// Generate returns item.M skeleton variants under item.SkeletonPolicy. The
// item is not modified.
func (g *Generator) Generate(item model.Item) ([]model.SkeletonVariant, error) {
	if item.M < model.MinSkeletons {
		return nil, fmt.Errorf("%w: m=%d, divergence estimation needs at least %d skeletons", model.ErrPolicy, item.M, model.MinSkeletons)
	}
	if strings.TrimSpace(item.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is empty", model.ErrPolicy)
	}

	segs := splitEvidence(item.Prompt)
	policy := item.SkeletonPolicy
	if policy == model.PolicyAuto {
		policy = model.PolicyClosedBook
		if countEvidence(segs) > 0 {
			policy = model.PolicyEvidenceErase
		}
	}

	// Erasing evidence must leave a question behind. When everything is
	// evidence, mask salient spans of the whole prompt instead.
	if !hasPlainText(segs) {
		segs = []segment{{lines: strings.Split(item.Prompt, "\n")}}
	}

	var variants []model.SkeletonVariant
	switch policy {
	case model.PolicyClosedBook:
		variants = closedBook(segs, item.M)
	case model.PolicyEvidenceErase:
		variants = evidenceErase(segs, item.M, g.rng(item.Prompt))
	default:
		return nil, fmt.Errorf("%w: unknown skeleton policy %q", model.ErrPolicy, item.SkeletonPolicy)
	}
	for _, v := range variants {
		if strings.TrimSpace(v.Prompt) == "" {
			return nil, fmt.Errorf("%w: skeleton %d is empty", model.ErrPolicy, v.Index)
		}
	}
	return variants, nil
}

// hasPlainText reports whether any non-evidence segment carries text.
func hasPlainText(segs []segment) bool {
	for _, s := range segs {
		if !s.evidence && strings.TrimSpace(s.text()) != "" {
			return true
		}
	}
	return false
}

func (g *Generator) rng(prompt string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(prompt))
	return rand.New(rand.NewPCG(g.seed, h.Sum64()))
}

// closedBook drops every evidence block and masks every salient span of
// what is left. All m variants carry the same text.
func closedBook(segs []segment, m int) []model.SkeletonVariant {
	all := make(map[int]bool)
	n := countEvidence(segs)
	for i := range n {
		all[i] = true
	}
	text := join(segs, all, "")
	masked, spans := maskSpans(text, salientSpans(text), func(int) bool { return true })

	variants := make([]model.SkeletonVariant, m)
	for k := range variants {
		variants[k] = model.SkeletonVariant{Index: k, Prompt: masked, Erased: n + spans}
	}
	return variants
}

// evidenceErase erases a random non-empty subset of the evidence blocks in
// each variant. Without evidence it masks random salient spans instead.
func evidenceErase(segs []segment, m int, r *rand.Rand) []model.SkeletonVariant {
	n := countEvidence(segs)
	if n == 0 {
		return maskRandomSpans(join(segs, nil, ""), m, r)
	}

	variants := make([]model.SkeletonVariant, m)
	for k := range variants {
		erase := randomSubset(n, r)
		variants[k] = model.SkeletonVariant{
			Index:  k,
			Prompt: join(segs, erase, EvidenceMarker),
			Erased: len(erase),
		}
	}
	return variants
}

func maskRandomSpans(text string, m int, r *rand.Rand) []model.SkeletonVariant {
	spans := salientSpans(text)
	variants := make([]model.SkeletonVariant, m)
	for k := range variants {
		if len(spans) == 0 {
			variants[k] = model.SkeletonVariant{Index: k, Prompt: text}
			continue
		}
		pick := randomSubset(len(spans), r)
		masked, n := maskSpans(text, spans, func(i int) bool { return pick[i] })
		variants[k] = model.SkeletonVariant{Index: k, Prompt: masked, Erased: n}
	}
	return variants
}

// randomSubset selects each of n indices with probability 1/2 and forces at
// least one selection.
func randomSubset(n int, r *rand.Rand) map[int]bool {
	pick := make(map[int]bool, n)
	for i := range n {
		if r.IntN(2) == 1 {
			pick[i] = true
		}
	}
	if len(pick) == 0 {
		pick[r.IntN(n)] = true
	}
	return pick
}
