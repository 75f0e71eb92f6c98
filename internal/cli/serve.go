package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jgalley/capscout/internal/commit"
	"github.com/jgalley/capscout/internal/config"
	"github.com/jgalley/capscout/internal/metrics"
	"github.com/jgalley/capscout/internal/probe"
	"github.com/jgalley/capscout/internal/sampler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon",
	Long: `Start the capscout daemon. This is typically invoked by systemd.

The daemon samples every registered location, records one row per location
per day and flushes to the database on the configured cadence. Locations
added or removed with the location commands are picked up before the next
sampling pass, at the latest on the next daily check.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	cfg, logger := e.cfg, e.logger

	folder, err := probe.NewStrategy(cfg.Probe.Strategy)
	if err != nil {
		logger.Warn("falling back to auto probe strategy", "error", err)
		folder = nil
	}
	prober := probe.New(folder)

	logger.Info("starting capscout daemon",
		"config", cfg.File(),
		"db", cfg.Database.Path,
		"workers", cfg.Probe.Workers,
		"strategy", prober.Strategy(),
		"locations", len(e.registry.List()),
	)

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	s := sampler.New(e.registry, e.store, prober, sampler.SettingsFrom(cfg), logger.With("component", "sampler"), m)
	e.registry.SetCanceler(s)
	e.registry.OnAdd(s.Trigger)
	s.SetSync(e.registry.Sync)

	policy := commit.New(e.store, cfg.Schedule.FlushInterval(), logger.With("component", "commit"), m)

	if cfg.Watch(func(next *config.Config, err error) {
		if err != nil {
			logger.Warn("configuration problems after reload, falling back to defaults", "error", err)
		}
		s.Reconfigure(sampler.SettingsFrom(next))
		policy.Reset(next.Schedule.FlushInterval())
	}) {
		logger.Info("watching config file", "path", cfg.File())
	}

	// Setup signal handling
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, initiating graceful shutdown", "signal", sig)
		cancel()
	}()

	// The policy outlives the sampler so the final flush sees every record.
	policyCtx, stopPolicy := context.WithCancel(context.Background())
	defer stopPolicy()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopPolicy()
		return s.Run(gctx)
	})
	g.Go(func() error {
		return policy.Run(policyCtx)
	})

	if cfg.Metrics.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metricsMux(promReg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "listen", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()
	if err := e.backend.Close(); err != nil {
		logger.Warn("closing database", "error", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("daemon error: %w", runErr)
	}

	logger.Info("daemon stopped")
	return nil
}

func metricsMux(g prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	return mux
}
