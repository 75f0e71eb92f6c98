package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jgalley/capscout/internal/report"
)

var (
	flushesLimit  int
	flushesFormat string
)

var flushesCmd = &cobra.Command{
	Use:   "flushes",
	Short: "Show recent database flushes",
	Long: `Show the flush audit log, newest first.

Every flush of pending mutations to the database leaves a record with its
mutation count, the stat rows dropped because their location had been
removed, and its outcome.

Examples:
  capscout flushes
  capscout flushes --limit 5 --format json`,
	Args: cobra.NoArgs,
	RunE: runFlushes,
}

func init() {
	flushesCmd.Flags().IntVar(&flushesLimit, "limit", 20, "number of records to show")
	flushesCmd.Flags().StringVar(&flushesFormat, "format", "text", "output format (text, json)")
}

func runFlushes(cmd *cobra.Command, args []string) error {
	if flushesLimit <= 0 {
		return fmt.Errorf("--limit must be positive, got %d", flushesLimit)
	}

	ctx := context.Background()
	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.close(ctx)

	recs, err := e.backend.Flushes(ctx, flushesLimit)
	if err != nil {
		return fmt.Errorf("querying flushes: %w", err)
	}

	switch flushesFormat {
	case "json":
		return report.WriteFlushesJSON(cmd.OutOrStdout(), recs)
	default:
		if len(recs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No flushes recorded")
			return nil
		}
		return report.WriteFlushes(cmd.OutOrStdout(), recs)
	}
}
