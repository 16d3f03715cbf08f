package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rustyeddy/nightguard/journal"
	"github.com/spf13/cobra"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the position report",
	Long: `Read the report written by the guard.

Subcommands:
  list   - Print rows as Org-mode blocks
  export - Write rows to an XLSX workbook

Rows are selected by cutoff date. The journal type and path come from the
config unless --type/--path are given.

Examples:
  nightguard journal list --from 2026-03-01 --to 2026-03-31
  nightguard journal export --xlsx march.xlsx --from 2026-03-01`,
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List report rows",
	Args:  cobra.NoArgs,
	RunE:  runJournalList,
}

var journalExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export report rows to XLSX",
	Args:  cobra.NoArgs,
	RunE:  runJournalExport,
}

var (
	journalType string
	journalPath string
	journalFrom string
	journalTo   string
	journalXLSX string
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalListCmd)
	journalCmd.AddCommand(journalExportCmd)

	journalCmd.PersistentFlags().StringVar(&journalType, "type", "", "journal type (csv|sqlite)")
	journalCmd.PersistentFlags().StringVar(&journalPath, "path", "", "journal file")
	journalCmd.PersistentFlags().StringVar(&journalFrom, "from", "", "first cutoff day, YYYY-MM-DD (default: all)")
	journalCmd.PersistentFlags().StringVar(&journalTo, "to", "", "last cutoff day, YYYY-MM-DD (default: all)")

	journalExportCmd.Flags().StringVar(&journalXLSX, "xlsx", "nightguard-report.xlsx", "output workbook")
}

func readJournal() ([]journal.Record, error) {
	kind, path := journalType, journalPath
	loc := time.UTC
	if kind == "" || path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if kind == "" {
			kind = cfg.Journal.Type
		}
		if path == "" {
			path = cfg.Journal.Path
		}
		loc, _ = cfg.Location()
	}

	from := time.Unix(0, 0)
	to := time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	if journalFrom != "" {
		d, err := parseDay(journalFrom, loc)
		if err != nil {
			return nil, fmt.Errorf("--from: %w", err)
		}
		from = d
	}
	if journalTo != "" {
		d, err := parseDay(journalTo, loc)
		if err != nil {
			return nil, fmt.Errorf("--to: %w", err)
		}
		to = d.AddDate(0, 0, 1)
	}

	return journal.Read(kind, path, from, to)
}

func runJournalList(cmd *cobra.Command, args []string) error {
	recs, err := readJournal()
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	if len(recs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no rows")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), journal.FormatRecordsOrg(recs))
	return nil
}

func runJournalExport(cmd *cobra.Command, args []string) error {
	recs, err := readJournal()
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	f, err := os.Create(journalXLSX)
	if err != nil {
		return err
	}
	if err := journal.WriteXLSX(f, recs); err != nil {
		f.Close()
		return fmt.Errorf("write xlsx: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✓ Exported %d rows to %s\n", len(recs), journalXLSX)
	return nil
}
