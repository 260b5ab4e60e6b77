package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	charmlog "charm.land/log/v2"
	"github.com/spf13/cobra"

	"github.com/timvw/hallucination-gate/internal/backend"
	"github.com/timvw/hallucination-gate/internal/config"
	"github.com/timvw/hallucination-gate/internal/model"
	telem "github.com/timvw/hallucination-gate/internal/otel"
)

// Version is injected at build time.
var Version = "dev"

var (
	// Global flags.
	flagProvider string
	flagModel    string
	flagBaseURL  string
	flagAPIKey   string
	flagLogLevel string
	flagRPS      float64
)

// Resolved by the root PersistentPreRunE for every subcommand.
var (
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *telem.Telemetry
)

var rootCmd = &cobra.Command{
	Use:   "hallucination-gate",
	Short: "Decide whether an LLM should answer a prompt, with a hallucination-risk bound",
	Long: `hallucination-gate estimates how much information a prompt's context gives
a model, compares it to the information needed to keep the hallucination
risk under a target, and decides ANSWER or REFUSE.

It samples the model on the full prompt and on skeletons of it (evidence
removed, entities masked), computes the information sufficiency ratio (ISR)
and an upper bound on the risk of hallucination, and can issue an SLA
certificate over a batch of prompts.

Configuration is loaded from .hallucination-gate.yaml, environment variables
(HALLUCINATION_GATE_*) and flags, in increasing order of precedence.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if telemetry == nil {
			return nil
		}
		if err := telemetry.Shutdown(context.WithoutCancel(cmd.Context())); err != nil {
			logger.Warn("otel shutdown failed", "err", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagProvider, "provider", "", "LLM provider: openai, anthropic (default from config: openai)")
	rootCmd.PersistentFlags().StringVar(&flagModel, "model", "", "LLM model name (default: gpt-4.1-mini)")
	rootCmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "override LLM API base URL")
	rootCmd.PersistentFlags().StringVar(&flagAPIKey, "api-key", "", "override LLM API key")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Float64Var(&flagRPS, "rps", 0, "client-side request rate limit per second (0: config value)")
	rootCmd.Version = Version
}

// setup loads configuration, applies global flags and initializes logging
// and telemetry.
func setup(cmd *cobra.Command) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	applyGlobalFlags(cmd, cfg)

	logger, err = newLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	if cfg.ConfigFile != "" {
		logger.Debug("config loaded", "file", cfg.ConfigFile)
	}

	// Wire build version into OTEL service metadata
	telem.Version = Version

	// Initialize OTEL (no-op if no endpoint configured)
	telemetry, err = telem.Init(cmd.Context(), telem.OTELConfig{
		Endpoint:    cfg.OTELEndpoint,
		Headers:     cfg.OTELHeaders,
		Provider:    cfg.Provider,
		Model:       cfg.Model,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		logger.Warn("otel init failed", "err", err)
	}
	return nil
}

func applyGlobalFlags(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("provider") {
		c.Provider = flagProvider
	}
	if flags.Changed("model") {
		c.Model = flagModel
	}
	if flags.Changed("base-url") {
		c.BaseURL = flagBaseURL
	}
	if flags.Changed("api-key") {
		c.APIKey = flagAPIKey
	}
	if flags.Changed("log-level") {
		c.LogLevel = flagLogLevel
	}
	if flags.Changed("rps") {
		c.RequestsPerSecond = flagRPS
	}
}

// newLogger returns a slog logger backed by a charm log handler on w.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level %q", model.ErrConfiguration, level)
	}
	h := charmlog.NewWithOptions(w, charmlog.Options{
		Level:           lvl,
		ReportTimestamp: true,
		Prefix:          "hallucination-gate",
	})
	return slog.New(h), nil
}

// metrics returns the OTEL instruments, or nil when telemetry is off.
func metrics() *telem.Metrics {
	if telemetry == nil {
		return nil
	}
	return telemetry.Metrics
}

// newBackend builds the configured provider backend, wrapped in the client
// side rate limiter.
func newBackend(c *config.Config, modelName string) (backend.Backend, error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("%w: no API key found. Set HALLUCINATION_GATE_API_KEY, AZURE_OPENAI_API_KEY, OPENAI_API_KEY or ANTHROPIC_API_KEY", model.ErrConfiguration)
	}

	// Azure AI Foundry needs the "api-key" header next to the SDK default.
	extraHeaders := map[string]string{}
	if os.Getenv("AZURE_RESOURCE_NAME") != "" || config.IsAzureEndpoint(c.BaseURL) {
		extraHeaders["api-key"] = c.APIKey
	}

	var b backend.Backend
	switch c.Provider {
	case "openai":
		b = backend.NewOpenAIBackend(backend.OpenAIConfig{
			BaseURL:      c.BaseURL,
			APIKey:       c.APIKey,
			Model:        modelName,
			ExtraHeaders: extraHeaders,
		})
	case "anthropic":
		b = backend.NewAnthropicBackend(backend.AnthropicConfig{
			BaseURL:      c.BaseURL,
			APIKey:       c.APIKey,
			Model:        modelName,
			ExtraHeaders: extraHeaders,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q (supported: openai, anthropic)", model.ErrConfiguration, c.Provider)
	}
	return backend.RateLimited(b, c.RequestsPerSecond, c.Burst), nil
}
