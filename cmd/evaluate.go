package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/timvw/hallucination-gate/internal/model"
	"github.com/timvw/hallucination-gate/internal/planner"
)

var (
	flagPromptFile   string
	evaluateSettings *settingsFlags
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [prompt]",
	Short: "Decide whether to answer a single prompt",
	Long: `Evaluate a single prompt and print the decision, the risk metrics and the
SLA certificate as JSON.

The prompt is taken from the argument, from --prompt-file, or from stdin
when the argument is "-". Every engine setting can be given as a flag;
unset flags fall back to the config file and environment.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, err := readPrompt(cmd, args)
		if err != nil {
			return writeFailure(cmd.OutOrStdout(), err)
		}
		settings := resolveSettings(cmd, evaluateSettings)

		ctx, cancel := runContext(cmd.Context())
		defer cancel()

		p, err := newPlanner(settings)
		if err != nil {
			return writeFailure(cmd.OutOrStdout(), err)
		}

		report, err := p.Assess(ctx, []model.Item{settings.Item("", prompt)})
		if err != nil {
			return writeFailure(cmd.OutOrStdout(), err)
		}
		res := report.Results[0]
		if res.Err != nil {
			return writeFailure(cmd.OutOrStdout(), res.Err)
		}

		return writeJSON(cmd.OutOrStdout(), evaluateResponse{
			Success:      true,
			Result:       newResult(res.Evaluation, report.CertificateErr),
			SettingsUsed: settings,
		})
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&flagPromptFile, "prompt-file", "", "read the prompt from a file")
	evaluateSettings = bindSettingsFlags(evaluateCmd)
	rootCmd.AddCommand(evaluateCmd)
}

type evaluateResponse struct {
	Success      bool           `json:"success"`
	Result       *result        `json:"result"`
	SettingsUsed model.Settings `json:"settings_used"`
}

// result is an evaluation whose certificate slot may instead carry the
// certificate error.
type result struct {
	*model.Evaluation
	SLACertificate any `json:"sla_certificate,omitempty"`
}

func newResult(ev *model.Evaluation, certErr error) *result {
	r := &result{Evaluation: ev}
	switch {
	case ev.SLACertificate != nil:
		r.SLACertificate = ev.SLACertificate
	case certErr != nil:
		r.SLACertificate = map[string]string{"error": certErr.Error()}
	}
	return r
}

type failureResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Type    string `json:"type"`
}

// writeFailure prints the JSON failure body and returns err so the process
// exits non-zero.
func writeFailure(w io.Writer, err error) error {
	if werr := writeJSON(w, failureResponse{Error: err.Error(), Type: model.ErrorKind(err)}); werr != nil {
		return werr
	}
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readPrompt(cmd *cobra.Command, args []string) (string, error) {
	var raw string
	switch {
	case flagPromptFile != "" && len(args) > 0:
		return "", fmt.Errorf("%w: give either a prompt argument or --prompt-file", model.ErrConfiguration)
	case flagPromptFile != "":
		data, err := os.ReadFile(flagPromptFile)
		if err != nil {
			return "", fmt.Errorf("%w: reading prompt file: %v", model.ErrConfiguration, err)
		}
		raw = string(data)
	case len(args) == 1 && args[0] == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("reading prompt from stdin: %w", err)
		}
		raw = string(data)
	case len(args) == 1:
		raw = args[0]
	}
	prompt := strings.TrimSpace(raw)
	if prompt == "" {
		return "", fmt.Errorf("%w: prompt is required and cannot be empty", model.ErrPolicy)
	}
	return prompt, nil
}

// newPlanner wires the backend, logger and metrics for settings.
func newPlanner(settings model.Settings) (*planner.Planner, error) {
	b, err := newBackend(cfg, settings.Model)
	if err != nil {
		return nil, err
	}
	return planner.New(b, settings,
		planner.WithLogger(logger),
		planner.WithMetrics(metrics()),
	)
}

// runContext bounds a run by the configured timeout.
func runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if cfg.TimeoutDuration <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.TimeoutDuration)
}
