package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jgalley/capscout/internal/config"
	"github.com/jgalley/capscout/internal/registry"
	"github.com/jgalley/capscout/internal/stats"
	"github.com/jgalley/capscout/internal/storage"
)

var (
	cfgFile  string
	logLevel string
	rootCmd  *cobra.Command
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd = &cobra.Command{
		Use:   "capscout",
		Short: "Storage capacity tracker",
		Long: `capscout tracks the used capacity of disks and folders, recording one
sample per location per day in SQLite for trend and delta reporting.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/capscout/capscout.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(locationCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(latestCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(flushesCmd)
	rootCmd.AddCommand(versionCmd)
}

// setupLogger creates a logger based on the configured level.
func setupLogger(level string, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// loadConfig loads the configuration and builds the logger from it. Config
// problems are logged, never fatal.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger) {
	cfg, err := config.Load(cfgFile)

	// Override log level from flag if specified
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		logger.Warn("configuration problems, falling back to defaults", "error", err)
	}
	return cfg, logger
}

// env is the state shared by the commands that touch the database.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	backend  *storage.SQLiteStorage
	store    *stats.Store
	registry *registry.Registry
}

func openEnv(ctx context.Context, cmd *cobra.Command) (*env, error) {
	cfg, logger := loadConfig(cmd)
	return openEnvWith(ctx, cfg, logger)
}

func openEnvWith(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*env, error) {
	backend, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := backend.Initialize(ctx); err != nil {
		backend.Close()
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	store, err := stats.Open(ctx, backend)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("loading stats: %w", err)
	}

	return &env{
		cfg:      cfg,
		logger:   logger,
		backend:  backend,
		store:    store,
		registry: registry.New(store, logger.With("component", "registry")),
	}, nil
}

// close flushes pending mutations and closes the database.
func (e *env) close(ctx context.Context) error {
	_, flushErr := e.store.Flush(ctx)
	if err := e.backend.Close(); err != nil && flushErr == nil {
		return fmt.Errorf("closing database: %w", err)
	}
	if flushErr != nil {
		return fmt.Errorf("flushing database: %w", flushErr)
	}
	return nil
}
