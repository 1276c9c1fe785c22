package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldops/ztpd/internal/config"
	"github.com/fieldops/ztpd/pkg/errors"
	"github.com/fieldops/ztpd/pkg/journal"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List provisioning runs and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if err := ensureDirectories(cfg.JournalPath, ""); err != nil {
		return err
	}

	store, err := journal.NewStore(cfg.JournalPath)
	if err != nil {
		return errors.Wrap(err, "journal init failed")
	}
	defer store.Close()

	runs, err := store.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("%-6s %-24s %-6s %-20s %-16s %-20s %-20s\n",
		"RUN", "DEVICE", "PORT", "STATE", "SERIAL", "FAILURE", "UPDATED")
	fmt.Println("--------------------------------------------------------------------------------------------------------------")

	for _, run := range runs {
		serial := run.ActualSerial
		if serial == "" {
			serial = "-"
		}
		failureClass := run.FailureClass
		if failureClass == "" {
			failureClass = "-"
		}

		fmt.Printf("%-6d %-24s %-6d %-20s %-16s %-20s %-20s\n",
			run.ID, run.Device, run.ConsolePort, run.State, serial, failureClass, run.UpdatedAt)
	}

	return nil
}
