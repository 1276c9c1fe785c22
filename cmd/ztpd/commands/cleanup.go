package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldops/ztpd/internal/config"
	"github.com/fieldops/ztpd/pkg/errors"
	"github.com/fieldops/ztpd/pkg/journal"
	"github.com/fieldops/ztpd/pkg/staging"
)

var (
	cleanupDevice   string
	cleanupAll      bool
	cleanupOrphaned bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove staged config files from the transfer server",
	Long: `Remove staged configuration files left behind by interrupted runs:
  --device <name>   Remove the staged file for one device
  --all             Remove every staged .txt file in the staging directory
  --orphaned        Remove staged files whose run is no longer in flight`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().StringVar(&cleanupDevice, "device", "", "Remove staged file for a specific device")
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Remove all staged files")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Remove staged files with no in-flight run")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if cleanupDevice == "" && !cleanupAll && !cleanupOrphaned {
		return fmt.Errorf("must specify --device, --all, or --orphaned")
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if cfg.FTPServer == "" {
		return fmt.Errorf("ftp-server cannot be empty")
	}

	ctx := context.Background()
	transport, err := newStagingDialer(cfg).Dial(ctx)
	if err != nil {
		return errors.Wrap(err, "transfer server unreachable")
	}
	defer transport.Close()

	if cleanupDevice != "" {
		path := staging.StagedPath(cfg.StagingDir, cleanupDevice)
		if err := transport.Remove(path); err != nil {
			return errors.Wrapf(err, "removing %s", path)
		}
		fmt.Printf("Removed: %s\n", path)
		return nil
	}

	names, err := transport.List(cfg.StagingDir)
	if err != nil {
		return errors.Wrap(err, "listing staging directory")
	}

	var keep func(device string) bool
	if cleanupOrphaned {
		store, err := journal.NewStore(cfg.JournalPath)
		if err != nil {
			return errors.Wrap(err, "journal init failed")
		}
		defer store.Close()

		// Keep only files whose latest run is still making progress.
		keep = func(device string) bool {
			run, err := store.Latest(device)
			if err != nil || run == nil {
				return false
			}
			return run.State != journal.StateCompleted && run.State != journal.StateFailed
		}
	}

	removed := 0
	for _, name := range names {
		if !strings.HasSuffix(name, ".txt") {
			continue
		}
		device := strings.TrimSuffix(name, ".txt")
		if keep != nil && keep(device) {
			fmt.Printf("Skipped (run in flight): %s\n", name)
			continue
		}
		path := cfg.StagingDir + "/" + name
		if err := transport.Remove(path); err != nil {
			fmt.Printf("Failed to remove %s: %v\n", path, err)
			continue
		}
		fmt.Printf("Removed: %s\n", path)
		removed++
	}
	fmt.Printf("Removed %d staged files\n", removed)
	return nil
}
