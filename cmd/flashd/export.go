package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/playztag/parallel-flash-esp32/pkg/history"
)

func newExportCmd() *cobra.Command {
	var (
		flagOutput string
		flagSince  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export flash history to CSV",
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

			path := flagOutput
			if path == "" {
				path = fmt.Sprintf("flash_history_%s.csv", time.Now().Format("20060102_150405"))
			}
			var since time.Time
			if flagSince > 0 {
				since = time.Now().Add(-flagSince)
			}

			count, err := store.ExportCSV(cmd.Context(), path, since)
			if err != nil {
				return err
			}
			if count == 0 {
				fmt.Println("No records to export")
				return nil
			}
			fmt.Printf("Exported %d records to %s\n", count, path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "Output CSV file path (defaults to ./flash_history_<timestamp>.csv)")
	cmd.Flags().DurationVar(&flagSince, "since", 0, "Only export attempts from the trailing window (0 means all)")

	return cmd
}
