package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/timvw/hallucination-gate/internal/model"
	"github.com/timvw/hallucination-gate/internal/planner"
	"github.com/timvw/hallucination-gate/internal/report"
)

var (
	flagBatchFormat string
	flagMarkdown    bool
	flagColor       bool
	batchSettings   *settingsFlags
)

var batchCmd = &cobra.Command{
	Use:   "batch <items.yaml|->",
	Short: "Evaluate a batch of prompts and issue an SLA certificate",
	Long: `Evaluate every item of a YAML file (or stdin with "-") and aggregate the
results into an SLA certificate.

The file holds a list of items:

  - id: nobel
    prompt: "Who won the 2019 Nobel Prize in Physics?"
  - prompt: |
      Evidence: The Eiffel Tower is 330 m tall.
      Question: How tall is the Eiffel Tower?
    skeleton_policy: evidence_erase

Items without n_samples, m or skeleton_policy use the run settings. A failed
item is reported in place and does not stop the others.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := resolveSettings(cmd, batchSettings)
		items, err := loadItems(cmd, args[0], settings)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return fmt.Errorf("%w: no items in %s", model.ErrInsufficientData, args[0])
		}

		ctx, cancel := runContext(cmd.Context())
		defer cancel()

		p, err := newPlanner(settings)
		if err != nil {
			return err
		}

		start := time.Now()
		rep, err := p.Assess(ctx, items)
		if err != nil {
			return err
		}
		logger.Info("batch evaluated", "items", len(items), "failed", len(rep.Failed()), "elapsed", time.Since(start).Round(time.Millisecond))

		switch flagBatchFormat {
		case "table":
			return report.Table(cmd.OutOrStdout(), rep, report.Options{
				Color:    flagColor,
				Theme:    report.ThemeByName(cfg.Theme),
				Markdown: flagMarkdown,
			})
		default:
			return writeJSON(cmd.OutOrStdout(), newBatchResponse(rep, settings))
		}
	},
}

func init() {
	batchCmd.Flags().StringVar(&flagBatchFormat, "format", "json", "output format: json, table")
	batchCmd.Flags().BoolVar(&flagMarkdown, "markdown", false, "render the table as Markdown (with --format table)")
	batchCmd.Flags().BoolVar(&flagColor, "color", false, "colorize the table (with --format table)")
	batchSettings = bindSettingsFlags(batchCmd)
	rootCmd.AddCommand(batchCmd)
}

// loadItems reads the YAML item list from path, or stdin for "-".
func loadItems(cmd *cobra.Command, path string, s model.Settings) ([]model.Item, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading items: %v", model.ErrConfiguration, err)
	}

	var raw []model.Item
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parsing items %s: %v", model.ErrConfiguration, path, err)
	}
	items := make([]model.Item, len(raw))
	for i, it := range raw {
		items[i] = fillItem(s, it)
	}
	return items, nil
}

type batchItem struct {
	Index      int     `json:"index"`
	ItemID     string  `json:"item_id,omitempty"`
	Success    bool    `json:"success"`
	Result     *result `json:"result,omitempty"`
	Error      string  `json:"error,omitempty"`
	Type       string  `json:"type,omitempty"`
	DurationMs int64   `json:"duration_ms"`
}

type batchResponse struct {
	Success          bool               `json:"success"`
	Items            []batchItem        `json:"items"`
	SLACertificate   *model.Certificate `json:"sla_certificate,omitempty"`
	CertificateError string             `json:"certificate_error,omitempty"`
	SettingsUsed     model.Settings     `json:"settings_used"`
}

func newBatchResponse(rep *planner.BatchReport, s model.Settings) batchResponse {
	out := batchResponse{
		Success:        len(rep.Failed()) == 0,
		Items:          make([]batchItem, len(rep.Results)),
		SLACertificate: rep.Certificate,
		SettingsUsed:   s,
	}
	if rep.CertificateErr != nil {
		out.CertificateError = rep.CertificateErr.Error()
	}
	for i, r := range rep.Results {
		bi := batchItem{Index: r.Index, ItemID: r.Item.ID, DurationMs: r.Duration.Milliseconds()}
		if r.Err != nil {
			bi.Error = r.Err.Error()
			bi.Type = model.ErrorKind(r.Err)
		} else {
			bi.Success = true
			// The certificate is reported once for the batch.
			ev := *r.Evaluation
			ev.SLACertificate = nil
			bi.Result = &result{Evaluation: &ev}
		}
		out.Items[i] = bi
	}
	return out
}
