package cmd

import (
	"fmt"
	"time"

	"github.com/rustyeddy/nightguard/night"
	"github.com/rustyeddy/nightguard/rules"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect rule tables",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check [rules.csv]",
	Short: "Parse a rules file and print tonight's cutoffs",
	Long: `Parse a rules file and print the cutoffs it yields for the next night.

Without an argument the rules_file from the config is used. Night settings
come from the config when it loads, otherwise from the defaults.

Example:
  nightguard rules check stops.csv`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRulesCheck,
}

func init() {
	rootCmd.AddCommand(rulesCmd)
	rulesCmd.AddCommand(rulesCheckCmd)
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	nc := night.DefaultConfig()
	loc := time.UTC
	path := ""

	if cfg, err := loadConfig(); err == nil {
		nc = cfg.NightWindow()
		loc, _ = cfg.Location()
		path = cfg.RulesFile
	}
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("no rules file given and no config loaded")
	}

	rs, err := rules.LoadFile(path)
	if err != nil {
		return err
	}

	w := night.ComputeWindow(time.Now().In(loc), nc)
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %d rules in %s\n", len(rs), path)
	return night.WriteArrangement(cmd.OutOrStdout(), rs, w)
}
