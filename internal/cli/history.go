package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jgalley/capscout/internal/period"
	"github.com/jgalley/capscout/internal/report"
	"github.com/jgalley/capscout/internal/storage"
)

var (
	historyPeriod string
	historyDate   string
	historyFormat string
)

var historyCmd = &cobra.Command{
	Use:   "history <id|name>",
	Short: "Show the daily history of a location",
	Long: `Show the daily capacity and delta of a location.

The week period runs Monday to Sunday around the reference date. Month and
year periods are the calendar month and year containing it.

Examples:
  capscout history Data
  capscout history Data --period week
  capscout history 3 --period month --date 2024-02-10
  capscout history Data --period year --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

var latestCmd = &cobra.Command{
	Use:   "latest <id|name>",
	Short: "Show the most recent daily stat of a location",
	Args:  cobra.ExactArgs(1),
	RunE:  runLatest,
}

func init() {
	historyCmd.Flags().StringVar(&historyPeriod, "period", "all", "period (all, week, month, year)")
	historyCmd.Flags().StringVar(&historyDate, "date", "", "reference date (YYYY-MM-DD, default today)")
	historyCmd.Flags().StringVar(&historyFormat, "format", "text", "output format (text, json)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	p, err := period.Parse(historyPeriod)
	if err != nil {
		return err
	}

	ref := time.Now()
	if historyDate != "" {
		day, err := storage.ParseDay(historyDate)
		if err != nil {
			return fmt.Errorf("invalid --date (use YYYY-MM-DD): %w", err)
		}
		ref = day.Time()
	}

	ctx := context.Background()
	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.close(ctx)

	loc, err := e.registry.Lookup(args[0])
	if err != nil {
		return err
	}

	series := period.Slice(e.store.Series(loc.ID), p, ref)

	switch historyFormat {
	case "json":
		return report.WriteHistoryJSON(cmd.OutOrStdout(), loc, p.String(), e.cfg.Colors, series)
	default:
		return report.WriteHistory(cmd.OutOrStdout(), loc, series)
	}
}

func runLatest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.close(ctx)

	loc, err := e.registry.Lookup(args[0])
	if err != nil {
		return err
	}

	st, ok := e.store.Latest(loc.ID)
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: no records yet\n", loc.Name)
		return nil
	}
	return report.WriteLatest(cmd.OutOrStdout(), loc, st)
}
