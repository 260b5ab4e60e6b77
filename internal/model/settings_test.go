package model

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettingsAreValid(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	assert.Equal(t, "gpt-4.1-mini", s.Model)
	assert.Equal(t, 7, s.NSamples)
	assert.Equal(t, 6, s.M)
	assert.Equal(t, PolicyClosedBook, s.SkeletonPolicy)
	assert.Equal(t, 0.05, s.HStar)
	assert.Equal(t, 1.0, s.ISRThreshold)
	assert.Equal(t, 0.2, s.MarginExtraBits)
	assert.Equal(t, 12.0, s.BClip)
	assert.Equal(t, ClipOneSided, s.ClipMode)
	assert.False(t, s.GenerateAnswer)
}

func TestSettingsBuilderClamps(t *testing.T) {
	s := NewSettingsBuilder().
		NSamples(99).
		M(1).
		Temperature(-3).
		HStar(0.9).
		ISRThreshold(0).
		MarginExtraBits(12).
		BClip(math.NaN()).
		SkeletonDraws(0).
		Build()

	assert.Equal(t, MaxSamples, s.NSamples)
	assert.Equal(t, MinSkeletons, s.M)
	assert.Equal(t, 0.0, s.Temperature)
	assert.Equal(t, 0.5, s.HStar)
	assert.Equal(t, 0.1, s.ISRThreshold)
	assert.Equal(t, 5.0, s.MarginExtraBits)
	assert.Equal(t, 1.0, s.BClip)
	assert.Equal(t, 1, s.SkeletonDraws)
	require.NoError(t, s.Validate())
}

func TestSettingsBuilderEnumFallback(t *testing.T) {
	s := NewSettingsBuilder().
		SkeletonPolicy("open_book").
		ClipMode("two-sided").
		Verbosity("loud").
		ReasoningEffort("max").
		Model("  ").
		Build()

	assert.Equal(t, PolicyClosedBook, s.SkeletonPolicy)
	assert.Equal(t, ClipOneSided, s.ClipMode)
	assert.Equal(t, "low", s.Hints.Verbosity)
	assert.Equal(t, "minimal", s.Hints.ReasoningEffort)
	assert.Equal(t, DefaultModel, s.Model)
}

func TestSettingsBuilderKeepsValidValues(t *testing.T) {
	s := NewSettingsBuilder().
		Model("gpt-4o").
		SkeletonPolicy("evidence_erase").
		ClipMode("symmetric").
		HStar(0.1).
		GenerateAnswer(true).
		Seed(42).
		Build()

	assert.Equal(t, "gpt-4o", s.Model)
	assert.Equal(t, PolicyEvidenceErase, s.SkeletonPolicy)
	assert.Equal(t, ClipSymmetric, s.ClipMode)
	assert.Equal(t, 0.1, s.HStar)
	assert.True(t, s.GenerateAnswer)
	assert.Equal(t, uint64(42), s.Seed)
}

func TestSettingsValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"n_samples zero", func(s *Settings) { s.NSamples = 0 }},
		{"m one", func(s *Settings) { s.M = 1 }},
		{"temperature above one", func(s *Settings) { s.Temperature = 1.5 }},
		{"h_star too small", func(s *Settings) { s.HStar = 0.0001 }},
		{"isr threshold too large", func(s *Settings) { s.ISRThreshold = 6 }},
		{"negative margin", func(s *Settings) { s.MarginExtraBits = -1 }},
		{"b_clip below one", func(s *Settings) { s.BClip = 0.5 }},
		{"unknown clip mode", func(s *Settings) { s.ClipMode = "both" }},
		{"unknown policy", func(s *Settings) { s.SkeletonPolicy = "guess" }},
		{"unknown verbosity", func(s *Settings) { s.Hints.Verbosity = "chatty" }},
		{"empty model", func(s *Settings) { s.Model = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			err := s.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrConfiguration), "want ErrConfiguration, got %v", err)
		})
	}
}

func TestSamplingParallelism(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, 13, s.SamplingParallelism(13))
	s.Parallel = 4
	assert.Equal(t, 4, s.SamplingParallelism(13))
	assert.Equal(t, 2, s.SamplingParallelism(2))
	assert.Equal(t, 1, s.SamplingParallelism(0))
}

func TestSettingsItem(t *testing.T) {
	s := DefaultSettings()
	it := s.Item("id", "prompt")
	assert.Equal(t, Item{ID: "id", Prompt: "prompt", NSamples: 7, M: 6, SkeletonPolicy: PolicyClosedBook}, it)
}

func TestParseEnums(t *testing.T) {
	p, err := ParseSkeletonPolicy(" auto ")
	require.NoError(t, err)
	assert.Equal(t, PolicyAuto, p)

	_, err = ParseSkeletonPolicy("nope")
	assert.ErrorIs(t, err, ErrConfiguration)

	c, err := ParseClipMode("symmetric")
	require.NoError(t, err)
	assert.Equal(t, ClipSymmetric, c)

	_, err = ParseClipMode("")
	assert.ErrorIs(t, err, ErrConfiguration)
}
