package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jgalley/capscout/internal/report"
	"github.com/jgalley/capscout/internal/storage"
)

var (
	locationKind   string
	locationFormat string
)

var locationCmd = &cobra.Command{
	Use:   "location",
	Short: "Manage tracked locations",
}

var locationAddCmd = &cobra.Command{
	Use:   "add <name> <path>",
	Short: "Register a disk or folder",
	Long: `Register a location to track.

A Disk reports the used space of the volume containing the path. A Folder
reports the total size of the files beneath it.

Examples:
  capscout location add Data /srv/data
  capscout location add Root / --kind disk`,
	Args: cobra.ExactArgs(2),
	RunE: runLocationAdd,
}

var locationRemoveCmd = &cobra.Command{
	Use:     "remove <id|name>",
	Aliases: []string{"rm"},
	Short:   "Remove a location and all of its history",
	Args:    cobra.ExactArgs(1),
	RunE:    runLocationRemove,
}

var locationListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tracked locations",
	Args:    cobra.NoArgs,
	RunE:    runLocationList,
}

func init() {
	locationAddCmd.Flags().StringVar(&locationKind, "kind", "folder", "location kind (disk, folder)")
	locationListCmd.Flags().StringVar(&locationFormat, "format", "text", "output format (text, json)")

	locationCmd.AddCommand(locationAddCmd)
	locationCmd.AddCommand(locationRemoveCmd)
	locationCmd.AddCommand(locationListCmd)
}

func runLocationAdd(cmd *cobra.Command, args []string) (err error) {
	kind, err := storage.ParseKind(locationKind)
	if err != nil {
		return err
	}

	ctx := context.Background()
	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.close(ctx); err == nil {
			err = cerr
		}
	}()

	if _, statErr := os.Stat(args[1]); statErr != nil {
		e.logger.Warn("path is not reachable yet, it will be retried on every cycle", "path", args[1], "error", statErr)
	}

	id, err := e.registry.Add(ctx, args[0], args[1], kind)
	if err != nil {
		return fmt.Errorf("adding location: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added location %d (%s)\n", id, args[0])
	return nil
}

func runLocationRemove(cmd *cobra.Command, args []string) (err error) {
	ctx := context.Background()
	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.close(ctx); err == nil {
			err = cerr
		}
	}()

	loc, err := e.registry.Lookup(args[0])
	if err != nil {
		return err
	}
	if err := e.registry.Remove(ctx, loc.ID); err != nil {
		return fmt.Errorf("removing location: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed location %d (%s)\n", loc.ID, loc.Name)
	return nil
}

func runLocationList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.close(ctx)

	locs := e.registry.List()

	switch locationFormat {
	case "json":
		return report.WriteLocationsJSON(cmd.OutOrStdout(), locs)
	default:
		if len(locs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No locations registered")
			return nil
		}
		return report.WriteLocations(cmd.OutOrStdout(), locs)
	}
}
