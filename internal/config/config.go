// Package config loads hallucination-gate configuration from file and environment.
//
// Precedence (highest to lowest):
//  1. Command-line flags (applied by cmd)
//  2. Environment variables (HALLUCINATION_GATE_*)
//  3. Config file
//  4. Built-in defaults
//
// Config file search order:
//  1. .hallucination-gate.yaml in current directory
//  2. ~/.config/hallucination-gate/config.yaml
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/timvw/hallucination-gate/internal/model"
)

// Config holds all hallucination-gate configuration.
type Config struct {
	// LLM settings
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`

	// Throughput
	Parallel          int     `yaml:"parallel"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // 0 disables client-side rate limiting
	Burst             int     `yaml:"burst"`
	Timeout           string  `yaml:"timeout"` // Go duration string for a whole run, e.g. "5m"

	// Output
	LogLevel string `yaml:"log_level"`
	Theme    string `yaml:"theme"` // "dark" or "light"

	// OTEL
	OTELEndpoint string `yaml:"otel_endpoint"`
	OTELHeaders  string `yaml:"otel_headers"` // Comma-separated key=value pairs, e.g. "Authorization=Basic abc123"
	// TraceSampleRatio keeps this fraction of evaluation traces; 0 or 1 keeps all.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`

	// Evaluation overrides the engine defaults. Unset fields keep them.
	Evaluation Evaluation `yaml:"evaluation"`

	// Parsed duration (not from YAML, set after loading)
	TimeoutDuration time.Duration `yaml:"-"`

	// ConfigFile is the path to the config file that was loaded (empty if none).
	ConfigFile string `yaml:"-"`
}

// Evaluation mirrors model.Settings with optional fields, so that a zero
// temperature in the file is distinguishable from no temperature at all.
type Evaluation struct {
	NSamples        *int     `yaml:"n_samples"`
	M               *int     `yaml:"m"`
	SkeletonPolicy  string   `yaml:"skeleton_policy"`
	Temperature     *float64 `yaml:"temperature"`
	HStar           *float64 `yaml:"h_star"`
	ISRThreshold    *float64 `yaml:"isr_threshold"`
	MarginExtraBits *float64 `yaml:"margin_extra_bits"`
	BClip           *float64 `yaml:"b_clip"`
	ClipMode        string   `yaml:"clip_mode"`
	GenerateAnswer  *bool    `yaml:"generate_answer"`
	SkeletonDraws   *int     `yaml:"skeleton_draws"`
	MaxAnswerTokens *int     `yaml:"max_answer_tokens"`
	Seed            *uint64  `yaml:"seed"`
	Verbosity       string   `yaml:"verbosity"`
	ReasoningEffort string   `yaml:"reasoning_effort"`
}

// Defaults returns a Config with all default values.
func Defaults() *Config {
	return &Config{
		Provider: "openai",
		Model:    model.DefaultModel,
		Parallel: 8,
		Burst:    4,
		Timeout:  "10m",
		LogLevel: "info",
		Theme:    "dark",
	}
}

// Load reads configuration from file and environment variables.
// Environment variables always override file values.
func Load() (*Config, error) {
	cfg := Defaults()

	if path, data, err := findConfigFile(); err == nil {
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("%w: parsing config file %s: %v", model.ErrConfiguration, path, err)
		}
		cfg.ConfigFile = path
		mergeFile(cfg, &fileCfg)
	}

	if err := mergeEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.TraceSampleRatio < 0 || cfg.TraceSampleRatio > 1 {
		return nil, fmt.Errorf("%w: trace_sample_ratio %v is outside [0,1]", model.ErrConfiguration, cfg.TraceSampleRatio)
	}

	var err error
	cfg.TimeoutDuration, err = parseDurationOrDisable(cfg.Timeout, 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timeout %q: %v", model.ErrConfiguration, cfg.Timeout, err)
	}

	return cfg, nil
}

// SettingsBuilder returns a builder seeded with the engine defaults and
// every evaluation override from cfg. Callers layer flags on top and Build.
func (c *Config) SettingsBuilder() *model.SettingsBuilder {
	b := model.NewSettingsBuilder().Model(c.Model).Parallel(c.Parallel)
	e := c.Evaluation
	if e.NSamples != nil {
		b.NSamples(*e.NSamples)
	}
	if e.M != nil {
		b.M(*e.M)
	}
	if e.SkeletonPolicy != "" {
		b.SkeletonPolicy(e.SkeletonPolicy)
	}
	if e.Temperature != nil {
		b.Temperature(*e.Temperature)
	}
	if e.HStar != nil {
		b.HStar(*e.HStar)
	}
	if e.ISRThreshold != nil {
		b.ISRThreshold(*e.ISRThreshold)
	}
	if e.MarginExtraBits != nil {
		b.MarginExtraBits(*e.MarginExtraBits)
	}
	if e.BClip != nil {
		b.BClip(*e.BClip)
	}
	if e.ClipMode != "" {
		b.ClipMode(e.ClipMode)
	}
	if e.GenerateAnswer != nil {
		b.GenerateAnswer(*e.GenerateAnswer)
	}
	if e.SkeletonDraws != nil {
		b.SkeletonDraws(*e.SkeletonDraws)
	}
	if e.MaxAnswerTokens != nil {
		b.MaxAnswerTokens(*e.MaxAnswerTokens)
	}
	if e.Seed != nil {
		b.Seed(*e.Seed)
	}
	if e.Verbosity != "" {
		b.Verbosity(e.Verbosity)
	}
	if e.ReasoningEffort != "" {
		b.ReasoningEffort(e.ReasoningEffort)
	}
	return b
}

// findConfigFile searches for a config file and returns its path and contents.
func findConfigFile() (string, []byte, error) {
	// 1. Current directory
	if data, err := os.ReadFile(".hallucination-gate.yaml"); err == nil {
		return ".hallucination-gate.yaml", data, nil
	}

	// 2. ~/.config
	if home, err := os.UserHomeDir(); err == nil {
		path := filepath.Join(home, ".config", "hallucination-gate", "config.yaml")
		if data, err := os.ReadFile(path); err == nil {
			return path, data, nil
		}
	}

	return "", nil, fmt.Errorf("no config file found")
}

// mergeFile applies non-zero file values onto cfg.
func mergeFile(cfg *Config, file *Config) {
	if file.Provider != "" {
		cfg.Provider = file.Provider
	}
	if file.Model != "" {
		cfg.Model = file.Model
	}
	if file.BaseURL != "" {
		cfg.BaseURL = file.BaseURL
	}
	if file.APIKey != "" {
		cfg.APIKey = file.APIKey
	}
	if file.Parallel > 0 {
		cfg.Parallel = file.Parallel
	}
	if file.RequestsPerSecond > 0 {
		cfg.RequestsPerSecond = file.RequestsPerSecond
	}
	if file.Burst > 0 {
		cfg.Burst = file.Burst
	}
	if file.Timeout != "" {
		cfg.Timeout = file.Timeout
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	if file.Theme != "" {
		cfg.Theme = file.Theme
	}
	if file.OTELEndpoint != "" {
		cfg.OTELEndpoint = file.OTELEndpoint
	}
	if file.OTELHeaders != "" {
		cfg.OTELHeaders = file.OTELHeaders
	}
	if file.TraceSampleRatio != 0 {
		cfg.TraceSampleRatio = file.TraceSampleRatio
	}
	cfg.Evaluation = file.Evaluation
}

// mergeEnv applies environment variables onto cfg. Env always wins.
func mergeEnv(cfg *Config) error {
	if v := os.Getenv("HALLUCINATION_GATE_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("HALLUCINATION_GATE_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("HALLUCINATION_GATE_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("HALLUCINATION_GATE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("HALLUCINATION_GATE_TIMEOUT"); v != "" {
		cfg.Timeout = v
	}
	if v := os.Getenv("HALLUCINATION_GATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HALLUCINATION_GATE_THEME"); v != "" {
		cfg.Theme = v
	}
	if v := os.Getenv("HALLUCINATION_GATE_SKELETON_POLICY"); v != "" {
		cfg.Evaluation.SkeletonPolicy = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTELEndpoint = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); v != "" {
		cfg.OTELHeaders = v
	}

	var err error
	if cfg.Parallel, err = envInt("HALLUCINATION_GATE_PARALLEL", cfg.Parallel); err != nil {
		return err
	}
	if cfg.Burst, err = envInt("HALLUCINATION_GATE_BURST", cfg.Burst); err != nil {
		return err
	}
	if cfg.RequestsPerSecond, err = envFloat("HALLUCINATION_GATE_REQUESTS_PER_SECOND", cfg.RequestsPerSecond); err != nil {
		return err
	}
	if cfg.TraceSampleRatio, err = envFloat("HALLUCINATION_GATE_TRACE_SAMPLE_RATIO", cfg.TraceSampleRatio); err != nil {
		return err
	}
	for key, dst := range map[string]**float64{
		"HALLUCINATION_GATE_H_STAR":        &cfg.Evaluation.HStar,
		"HALLUCINATION_GATE_ISR_THRESHOLD": &cfg.Evaluation.ISRThreshold,
		"HALLUCINATION_GATE_TEMPERATURE":   &cfg.Evaluation.Temperature,
	} {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%w: %s=%q: %v", model.ErrConfiguration, key, v, err)
			}
			*dst = &f
		}
	}
	for key, dst := range map[string]**int{
		"HALLUCINATION_GATE_N_SAMPLES": &cfg.Evaluation.NSamples,
		"HALLUCINATION_GATE_M":         &cfg.Evaluation.M,
	} {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q: %v", model.ErrConfiguration, key, v, err)
			}
			*dst = &n
		}
	}

	// API key fallbacks
	if cfg.APIKey == "" {
		if v := os.Getenv("AZURE_OPENAI_API_KEY"); v != "" {
			cfg.APIKey = v
		}
	}
	if cfg.APIKey == "" {
		switch cfg.Provider {
		case "anthropic":
			cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			cfg.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}

	// Azure base URL fallback
	if cfg.BaseURL == "" {
		if rn := os.Getenv("AZURE_RESOURCE_NAME"); rn != "" {
			cfg.BaseURL = AzureBaseURL(cfg.Provider, rn)
		}
	}
	return nil
}

// AzureBaseURL returns the Azure AI Foundry base URL for provider.
// The Anthropic SDK appends v1/messages itself.
func AzureBaseURL(provider, resourceName string) string {
	switch provider {
	case "anthropic":
		return fmt.Sprintf("https://%s.services.ai.azure.com/anthropic/", resourceName)
	case "openai":
		return fmt.Sprintf("https://%s.openai.azure.com/openai/v1", resourceName)
	}
	return ""
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", model.ErrConfiguration, key, v, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q: %v", model.ErrConfiguration, key, v, err)
	}
	return f, nil
}

// parseDurationOrDisable parses a duration string. "0", "off", "disable" return 0.
// Empty string returns the fallback value.
func parseDurationOrDisable(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	if s == "0" || s == "off" || s == "disable" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// IsAzureEndpoint returns true if the URL is an Azure endpoint.
func IsAzureEndpoint(url string) bool {
	return strings.Contains(url, ".azure.com") || strings.Contains(url, ".azure.us")
}
