package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Hints are provider-specific knobs passed through to the backend untouched.
type Hints struct {
	// Verbosity is "low", "medium" or "high".
	Verbosity string `json:"verbosity" yaml:"verbosity" validate:"omitempty,oneof=low medium high"`
	// ReasoningEffort is "minimal", "low", "medium" or "high".
	ReasoningEffort string `json:"reasoning_effort" yaml:"reasoning_effort" validate:"omitempty,oneof=minimal low medium high"`
}

// Settings is the per-run engine configuration. It is request scoped and
// never persisted. Build one with SettingsBuilder; the engine re-checks it
// with Validate at its boundary.
type Settings struct {
	Model           string         `json:"model" yaml:"model" validate:"required"`
	NSamples        int            `json:"n_samples" yaml:"n_samples" validate:"gte=1,lte=15"`
	M               int            `json:"m" yaml:"m" validate:"gte=2,lte=12"`
	SkeletonPolicy  SkeletonPolicy `json:"skeleton_policy" yaml:"skeleton_policy" validate:"oneof=auto evidence_erase closed_book"`
	Temperature     float64        `json:"temperature" yaml:"temperature" validate:"gte=0,lte=1"`
	HStar           float64        `json:"h_star" yaml:"h_star" validate:"gte=0.001,lte=0.5"`
	ISRThreshold    float64        `json:"isr_threshold" yaml:"isr_threshold" validate:"gte=0.1,lte=5"`
	MarginExtraBits float64        `json:"margin_extra_bits" yaml:"margin_extra_bits" validate:"gte=0,lte=5"`
	BClip           float64        `json:"B_clip" yaml:"b_clip" validate:"gte=1,lte=50"`
	ClipMode        ClipMode       `json:"clip_mode" yaml:"clip_mode" validate:"oneof=one-sided symmetric"`
	GenerateAnswer  bool           `json:"generate_answer" yaml:"generate_answer"`

	// SkeletonDraws is the number of draws per skeleton variant.
	SkeletonDraws int `json:"skeleton_draws" yaml:"skeleton_draws" validate:"gte=1,lte=15"`
	// MaxAnswerTokens bounds the final answer length.
	MaxAnswerTokens int `json:"max_answer_tokens" yaml:"max_answer_tokens" validate:"gte=1,lte=4096"`
	// Parallel caps concurrent backend calls per item and concurrent items
	// per batch. Zero means n_samples + m.
	Parallel int `json:"parallel" yaml:"parallel" validate:"gte=0,lte=64"`
	// Seed makes skeleton masks reproducible. Zero draws a random seed.
	Seed uint64 `json:"seed,omitempty" yaml:"seed"`

	Hints Hints `json:"hints" yaml:"hints"`
}

// Defaults for Settings, matching the hosted evaluation service.
const (
	DefaultModel           = "gpt-4.1-mini"
	DefaultNSamples        = 7
	DefaultM               = 6
	DefaultTemperature     = 0.3
	DefaultHStar           = 0.05
	DefaultISRThreshold    = 1.0
	DefaultMarginExtraBits = 0.2
	DefaultBClip           = 12.0
	DefaultSkeletonDraws   = 3
	DefaultMaxAnswerTokens = 256
)

// DefaultSettings returns Settings with every default applied.
func DefaultSettings() Settings {
	return Settings{
		Model:           DefaultModel,
		NSamples:        DefaultNSamples,
		M:               DefaultM,
		SkeletonPolicy:  PolicyClosedBook,
		Temperature:     DefaultTemperature,
		HStar:           DefaultHStar,
		ISRThreshold:    DefaultISRThreshold,
		MarginExtraBits: DefaultMarginExtraBits,
		BClip:           DefaultBClip,
		ClipMode:        ClipOneSided,
		SkeletonDraws:   DefaultSkeletonDraws,
		MaxAnswerTokens: DefaultMaxAnswerTokens,
		Hints: Hints{
			Verbosity:       "low",
			ReasoningEffort: "minimal",
		},
	}
}

// Item builds an Item for prompt using the settings' sampling budget.
func (s Settings) Item(id, prompt string) Item {
	return Item{
		ID:             id,
		Prompt:         prompt,
		NSamples:       s.NSamples,
		M:              s.M,
		SkeletonPolicy: s.SkeletonPolicy,
	}
}

// SamplingParallelism returns the concurrent call budget for n calls.
func (s Settings) SamplingParallelism(n int) int {
	p := s.Parallel
	if p <= 0 || p > n {
		p = n
	}
	if p < 1 {
		p = 1
	}
	return p
}

var settingsValidate = validator.New()

// Validate rejects any out-of-range or unknown setting. It never clamps.
func (s Settings) Validate() error {
	err := settingsValidate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s=%v fails %s=%s", fe.Field(), fe.Value(), fe.Tag(), fe.Param()))
		}
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(msgs, "; "))
	}
	return fmt.Errorf("%w: %v", ErrConfiguration, err)
}

// SettingsBuilder constructs Settings the way the request layer expects:
// numeric values are clamped into range and unknown enum values fall back
// to their defaults.
type SettingsBuilder struct {
	s Settings
}

// NewSettingsBuilder starts from DefaultSettings.
func NewSettingsBuilder() *SettingsBuilder {
	return &SettingsBuilder{s: DefaultSettings()}
}

// From replaces the builder's base with s. Zero-valued fields are kept as
// given and clamped on Build.
func (b *SettingsBuilder) From(s Settings) *SettingsBuilder {
	b.s = s
	return b
}

func (b *SettingsBuilder) Model(v string) *SettingsBuilder {
	if v = strings.TrimSpace(v); v != "" {
		b.s.Model = v
	}
	return b
}

func (b *SettingsBuilder) NSamples(v int) *SettingsBuilder { b.s.NSamples = v; return b }

func (b *SettingsBuilder) M(v int) *SettingsBuilder { b.s.M = v; return b }

func (b *SettingsBuilder) SkeletonPolicy(v string) *SettingsBuilder {
	b.s.SkeletonPolicy = SkeletonPolicy(v)
	return b
}

func (b *SettingsBuilder) Temperature(v float64) *SettingsBuilder { b.s.Temperature = v; return b }

func (b *SettingsBuilder) HStar(v float64) *SettingsBuilder { b.s.HStar = v; return b }

func (b *SettingsBuilder) ISRThreshold(v float64) *SettingsBuilder { b.s.ISRThreshold = v; return b }

func (b *SettingsBuilder) MarginExtraBits(v float64) *SettingsBuilder {
	b.s.MarginExtraBits = v
	return b
}

func (b *SettingsBuilder) BClip(v float64) *SettingsBuilder { b.s.BClip = v; return b }

func (b *SettingsBuilder) ClipMode(v string) *SettingsBuilder {
	b.s.ClipMode = ClipMode(v)
	return b
}

func (b *SettingsBuilder) GenerateAnswer(v bool) *SettingsBuilder { b.s.GenerateAnswer = v; return b }

func (b *SettingsBuilder) SkeletonDraws(v int) *SettingsBuilder { b.s.SkeletonDraws = v; return b }

func (b *SettingsBuilder) MaxAnswerTokens(v int) *SettingsBuilder {
	b.s.MaxAnswerTokens = v
	return b
}

func (b *SettingsBuilder) Parallel(v int) *SettingsBuilder { b.s.Parallel = v; return b }

func (b *SettingsBuilder) Seed(v uint64) *SettingsBuilder { b.s.Seed = v; return b }

func (b *SettingsBuilder) Verbosity(v string) *SettingsBuilder { b.s.Hints.Verbosity = v; return b }

func (b *SettingsBuilder) ReasoningEffort(v string) *SettingsBuilder {
	b.s.Hints.ReasoningEffort = v
	return b
}

// Build clamps and normalizes the accumulated values. The result always
// passes Validate.
func (b *SettingsBuilder) Build() Settings {
	s := b.s
	if strings.TrimSpace(s.Model) == "" {
		s.Model = DefaultModel
	}
	s.NSamples = clampInt(s.NSamples, MinSamples, MaxSamples)
	s.M = clampInt(s.M, MinSkeletons, MaxSkeletons)
	s.Temperature = clampFloat(s.Temperature, 0, 1)
	s.HStar = clampFloat(s.HStar, 0.001, 0.5)
	s.ISRThreshold = clampFloat(s.ISRThreshold, 0.1, 5)
	s.MarginExtraBits = clampFloat(s.MarginExtraBits, 0, 5)
	s.BClip = clampFloat(s.BClip, 1, 50)
	s.SkeletonDraws = clampInt(s.SkeletonDraws, 1, MaxSamples)
	if s.MaxAnswerTokens <= 0 {
		s.MaxAnswerTokens = DefaultMaxAnswerTokens
	}
	s.MaxAnswerTokens = clampInt(s.MaxAnswerTokens, 1, 4096)
	s.Parallel = clampInt(s.Parallel, 0, 64)

	if _, err := ParseSkeletonPolicy(string(s.SkeletonPolicy)); err != nil {
		s.SkeletonPolicy = PolicyClosedBook
	}
	if _, err := ParseClipMode(string(s.ClipMode)); err != nil {
		s.ClipMode = ClipOneSided
	}
	switch s.Hints.Verbosity {
	case "low", "medium", "high":
	default:
		s.Hints.Verbosity = "low"
	}
	switch s.Hints.ReasoningEffort {
	case "minimal", "low", "medium", "high":
	default:
		s.Hints.ReasoningEffort = "minimal"
	}
	return s
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// clampFloat also maps NaN to lo.
func clampFloat(v, lo, hi float64) float64 {
	if v != v || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
