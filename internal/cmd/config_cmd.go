package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/conductor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the configuration after defaults, config file, CONDUCTOR_*
environment variables and flags are applied. Secrets are masked.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().Bool("json", false, "Output as JSON")
	configCmd.Flags().Bool("env", false, "List the recognised environment variables instead")
}

func runConfig(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	envOnly, _ := cmd.Flags().GetBool("env")
	out := cmd.OutOrStdout()

	if envOnly {
		w := newTable(out)
		defer func() { _ = w.Flush() }()
		_, _ = fmt.Fprintln(w, "VARIABLE\tKEY")
		for _, spec := range config.EnvSpecs() {
			_, _ = fmt.Fprintf(w, "%s\t%s\n", spec.Name, spec.Path)
		}
		return nil
	}

	cfg, err := loadRawConfig(cmd)
	if err != nil {
		return err
	}
	settings, err := cfg.Settings()
	if err != nil {
		return exitError(exitConfig, "Failed to render configuration", err)
	}
	if ledgerSettings, ok := settings["ledger"].(map[string]any); ok {
		if tok, _ := ledgerSettings["auth_token"].(string); tok != "" {
			ledgerSettings["auth_token"] = maskSecret(tok)
		}
	}

	if jsonOutput {
		return writeJSON(out, settings)
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	return enc.Encode(settings)
}

// maskSecret keeps the last four characters.
func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
