package main

import (
	"fmt"
	"time"

	"github.com/cuemby/bwcgen/pkg/failure"
	"github.com/cuemby/bwcgen/pkg/storage"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List fixtures recorded in the journal",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.JournalPath == "" {
		return failure.Preconditionf("no journal configured, use --journal")
	}

	store, err := storage.NewBoltStore(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	records, err := store.ListRecords()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No fixtures recorded")
		return nil
	}

	fmt.Fprintf(out, "%-14s %-21s %10s  %-12s %s\n", "VERSION", "GENERATED", "BYTES", "SHA256", "ARCHIVE")
	for _, r := range records {
		fmt.Fprintf(out, "%-14s %-21s %10d  %-12s %s\n",
			r.Version,
			r.GeneratedAt.Local().Format(time.DateTime),
			r.SizeBytes,
			shortSum(r.SHA256),
			r.Archive,
		)
	}
	return nil
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
