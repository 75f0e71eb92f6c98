package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jgalley/capscout/internal/probe"
	"github.com/jgalley/capscout/internal/report"
	"github.com/jgalley/capscout/internal/storage"
)

var (
	probeKind     string
	probeStrategy string
	probeStore    string
)

var probeCmd = &cobra.Command{
	Use:   "probe <path>",
	Short: "One-shot measurement of a path",
	Long: `Measure a path and print its size. By default, the result is not stored.

With --store the measurement is recorded as today's row of the given
location.

Examples:
  capscout probe /srv/data
  capscout probe / --kind disk
  capscout probe /srv/data --strategy du
  capscout probe /srv/data --store Data`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probeKind, "kind", "folder", "location kind (disk, folder)")
	probeCmd.Flags().StringVar(&probeStrategy, "strategy", "", "folder strategy (auto, walk, du, ceph; default from config)")
	probeCmd.Flags().StringVar(&probeStore, "store", "", "record the result for this location (id or name)")
}

func runProbe(cmd *cobra.Command, args []string) (err error) {
	path := args[0]

	kind, err := storage.ParseKind(probeKind)
	if err != nil {
		return err
	}

	cfg, logger := loadConfig(cmd)

	name := cfg.Probe.Strategy
	if probeStrategy != "" {
		name = probeStrategy
	}
	folder, err := probe.NewStrategy(name)
	if err != nil {
		return err
	}
	prober := probe.New(folder)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := prober.Measure(ctx, path, kind)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s (%s)\t%s\n", path, report.FormatGB(r.Bytes), report.HumanSize(r.Bytes), r.Duration.Round(time.Millisecond))
	logger.Debug("probe finished", "path", path, "kind", kind, "strategy", prober.Strategy(), "bytes", r.Bytes)

	if probeStore == "" {
		return nil
	}

	// Store results if requested
	e, err := openEnvWith(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.close(context.Background()); err == nil {
			err = cerr
		}
	}()

	loc, err := e.registry.Lookup(probeStore)
	if err != nil {
		return err
	}
	if loc.Path != path || loc.Kind != kind {
		logger.Warn("probed path differs from the location", "location", loc.Name, "location_path", loc.Path, "location_kind", loc.Kind)
	}

	st, err := e.store.Record(loc.ID, storage.DayOf(time.Now()), r.Bytes)
	if err != nil {
		return fmt.Errorf("storing result: %w", err)
	}

	logger.Info("result stored", "location", loc.Name, "day", st.Day, "delta_bytes", st.DeltaBytes)
	return nil
}
