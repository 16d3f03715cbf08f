package cmd

import (
	"fmt"

	"github.com/rustyeddy/nightguard/config"
	"github.com/rustyeddy/nightguard/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "nightguard",
	Short: "Close overnight FX positions at per-symbol cutoff times",
	Long: `Nightguard logs in to a broker, waits for the nightly window and closes
open positions when their symbol's cutoff time arrives.

It provides tools for:
  - Running the nightly guard against OANDA or the built-in simulator
  - Dry runs that record what a close would have produced
  - Checking rule tables before a night starts
  - Listing and exporting the position report`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv(envFile)
	},
}

var (
	configPath string
	envFile    string
	logLevel   string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "nightguard.yaml", "config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional .env file with credentials")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level from the config")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	return logging.New(level, cfg.Log.Format)
}
