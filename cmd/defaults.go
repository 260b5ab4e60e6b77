package cmd

import (
	"github.com/spf13/cobra"

	"github.com/timvw/hallucination-gate/internal/backend"
)

var defaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Print the effective default settings as JSON",
	Long: `Print the engine settings a run would use without flags: built-in
defaults with the config file and environment applied.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"success":  true,
			"defaults": cfg.SettingsBuilder().Build(),
		})
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List supported models per provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"success":   true,
			"providers": backend.Catalogs(),
		})
	},
}

func init() {
	rootCmd.AddCommand(defaultsCmd)
	rootCmd.AddCommand(modelsCmd)
}
