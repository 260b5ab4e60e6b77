package cmd

import (
	"github.com/spf13/cobra"

	"github.com/timvw/hallucination-gate/internal/model"
)

// settingsFlags mirrors model.Settings on the command line. Only flags the
// user set override the config file and environment.
type settingsFlags struct {
	nSamples        int
	m               int
	skeletonPolicy  string
	temperature     float64
	hStar           float64
	isrThreshold    float64
	marginExtraBits float64
	bClip           float64
	clipMode        string
	generateAnswer  bool
	skeletonDraws   int
	maxAnswerTokens int
	parallel        int
	seed            uint64
	verbosity       string
	reasoningEffort string
}

func bindSettingsFlags(c *cobra.Command) *settingsFlags {
	f := &settingsFlags{}
	fs := c.Flags()
	fs.IntVar(&f.nSamples, "n-samples", model.DefaultNSamples, "decision samples per condition (1-15)")
	fs.IntVar(&f.m, "m", model.DefaultM, "number of skeleton variants (2-12)")
	fs.StringVar(&f.skeletonPolicy, "skeleton-policy", string(model.PolicyClosedBook), "skeleton policy: auto, evidence_erase, closed_book")
	fs.Float64Var(&f.temperature, "temperature", model.DefaultTemperature, "sampling temperature (0-1)")
	fs.Float64Var(&f.hStar, "h-star", model.DefaultHStar, "target hallucination rate (0.001-0.5)")
	fs.Float64Var(&f.isrThreshold, "isr-threshold", model.DefaultISRThreshold, "minimum ISR to answer (0.1-5)")
	fs.Float64Var(&f.marginExtraBits, "margin-extra-bits", model.DefaultMarginExtraBits, "safety margin added to the bits-to-trust (0-5)")
	fs.Float64Var(&f.bClip, "b-clip", model.DefaultBClip, "clip bound for per-skeleton divergence in bits (1-50)")
	fs.StringVar(&f.clipMode, "clip-mode", string(model.ClipOneSided), "clip mode: one-sided, symmetric")
	fs.BoolVar(&f.generateAnswer, "generate-answer", false, "generate the answer when the decision is ANSWER")
	fs.IntVar(&f.skeletonDraws, "skeleton-draws", model.DefaultSkeletonDraws, "draws per skeleton variant")
	fs.IntVar(&f.maxAnswerTokens, "max-answer-tokens", model.DefaultMaxAnswerTokens, "max tokens for the generated answer")
	fs.IntVar(&f.parallel, "parallel", 0, "max concurrent backend calls per item and items per batch (0: config value)")
	fs.Uint64Var(&f.seed, "seed", 0, "seed for skeleton masking (0: random)")
	fs.StringVar(&f.verbosity, "verbosity", "low", "reasoning model verbosity: low, medium, high")
	fs.StringVar(&f.reasoningEffort, "reasoning-effort", "minimal", "reasoning model effort: minimal, low, medium, high")
	return f
}

// apply layers the flags the user set onto b.
func (f *settingsFlags) apply(c *cobra.Command, b *model.SettingsBuilder) *model.SettingsBuilder {
	fs := c.Flags()
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}
	set("n-samples", func() { b.NSamples(f.nSamples) })
	set("m", func() { b.M(f.m) })
	set("skeleton-policy", func() { b.SkeletonPolicy(f.skeletonPolicy) })
	set("temperature", func() { b.Temperature(f.temperature) })
	set("h-star", func() { b.HStar(f.hStar) })
	set("isr-threshold", func() { b.ISRThreshold(f.isrThreshold) })
	set("margin-extra-bits", func() { b.MarginExtraBits(f.marginExtraBits) })
	set("b-clip", func() { b.BClip(f.bClip) })
	set("clip-mode", func() { b.ClipMode(f.clipMode) })
	set("generate-answer", func() { b.GenerateAnswer(f.generateAnswer) })
	set("skeleton-draws", func() { b.SkeletonDraws(f.skeletonDraws) })
	set("max-answer-tokens", func() { b.MaxAnswerTokens(f.maxAnswerTokens) })
	set("parallel", func() { b.Parallel(f.parallel) })
	set("seed", func() { b.Seed(f.seed) })
	set("verbosity", func() { b.Verbosity(f.verbosity) })
	set("reasoning-effort", func() { b.ReasoningEffort(f.reasoningEffort) })
	return b
}

// resolveSettings builds the run settings: defaults, then config file and
// environment, then flags.
func resolveSettings(c *cobra.Command, f *settingsFlags) model.Settings {
	return f.apply(c, cfg.SettingsBuilder()).Build()
}

// fillItem applies the settings' sampling budget to the fields an item
// left unset.
func fillItem(s model.Settings, it model.Item) model.Item {
	out := s.Item(it.ID, it.Prompt)
	if it.NSamples != 0 {
		out.NSamples = it.NSamples
	}
	if it.M != 0 {
		out.M = it.M
	}
	if it.SkeletonPolicy != "" {
		out.SkeletonPolicy = it.SkeletonPolicy
	}
	return out
}
