package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rustyeddy/nightguard/closer"
	"github.com/rustyeddy/nightguard/internal/metrics"
	"github.com/rustyeddy/nightguard/journal"
	"github.com/rustyeddy/nightguard/night"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the nightly guard",
	Long: `Log in to the configured broker and guard every night until interrupted.

Each night the rules file is reloaded, positions opened inside the night
window are closed at their symbol's cutoff and the results are appended
to the report.

Example:
  nightguard run -c nightguard.yaml
  nightguard run -c nightguard.yaml --once --dry-run`,
	RunE: runRun,
}

var (
	runOnce   bool
	runDryRun bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runOnce, "once", false, "stop after a single night")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "record simulated closes instead of submitting orders")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	gw, err := newGateway(cfg)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}

	j, err := journal.Open(cfg.Journal.Type, cfg.Journal.Path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	copts := cfg.CloserOptions()
	if runDryRun {
		copts.DryRun = true
	}
	cl := closer.New(gw, gw.clock, copts, log)

	ropts := cfg.RunnerOptions(runOnce)
	ropts.OnNight = func(s night.Summary) {
		fmt.Printf("Night %s finished: %d cutoffs, %d positions reported (%d new, %d unresolved)\n",
			s.Window.Date.Format("2006-01-02"), s.Delivered, len(s.Records), s.Appended, s.Unresolved)
	}
	runner := night.NewRunner(gw.clock, gw.loginer, night.RuleFile(cfg.RulesFile), cl, j, ropts, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Guarding with config: %s\n", configPath)
	fmt.Printf("  Broker: %s  Rules: %s  Report: %s (%s)\n", cfg.Broker.Type, cfg.RulesFile, cfg.Journal.Path, cfg.Journal.Type)
	if copts.DryRun {
		fmt.Printf("  Dry run, session %q\n", copts.Session)
	}

	metrics.Init()
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Listen, log)
		})
	}
	g.Go(func() error {
		defer stop()
		err := runner.Run(gctx)
		if errors.Is(err, context.Canceled) {
			log.Info("stopped", zap.Error(err))
			return nil
		}
		return err
	})
	return g.Wait()
}
