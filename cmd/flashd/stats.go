package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/playztag/parallel-flash-esp32/pkg/history"
)

func newStatsCmd() *cobra.Command {
	var (
		flagSince time.Duration
		flagLimit int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show flash history statistics",
		Long: `Summarize stored flash attempts and list the most recent ones.
--since restricts the summary to a trailing window, e.g. --since 24h.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := history.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			var since time.Time
			window := "all time"
			if flagSince > 0 {
				since = time.Now().Add(-flagSince)
				window = "last " + flagSince.String()
			}

			stats, err := store.Statistics(cmd.Context(), since)
			if err != nil {
				return err
			}
			renderStats(stats, window)

			recs, err := store.Recent(cmd.Context(), flagLimit)
			if err != nil {
				return err
			}
			if len(recs) > 0 {
				fmt.Println()
				renderRecords(recs)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&flagSince, "since", 0, "Trailing window for the summary (0 means all time)")
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "Number of recent attempts to list")

	return cmd
}
