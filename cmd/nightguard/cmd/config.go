package cmd

import (
	"fmt"

	"github.com/rustyeddy/nightguard/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage nightguard configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  nightguard config init -o nightguard.yaml
  nightguard config validate -c nightguard.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	RunE:  runConfigValidate,
}

var configInitOutput string

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "nightguard.yaml", "output config file path")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Created default configuration: %s\n", configInitOutput)
	fmt.Fprintln(out, "\nEdit the file and run with:")
	fmt.Fprintf(out, "  nightguard run -c %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Configuration valid: %s\n", configPath)
	fmt.Fprintf(out, "  Broker: %s %s\n", cfg.Broker.Type, cfg.Broker.Env)
	fmt.Fprintf(out, "  Night: %s%+dd to %s%+dd\n", cfg.Night.Start, cfg.Night.StartDayOffset, cfg.Night.End, cfg.Night.EndDayOffset)
	fmt.Fprintf(out, "  Closer: dry_run=%t session=%s attempts=%d\n", cfg.Closer.DryRun, cfg.Closer.Session, cfg.Closer.Attempts)
	fmt.Fprintf(out, "  Journal: %s %s\n", cfg.Journal.Type, cfg.Journal.Path)
	return nil
}
