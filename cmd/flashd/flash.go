package main

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/playztag/parallel-flash-esp32/pkg/flasher"
)

func newFlashCmd() *cobra.Command {
	var (
		flagFirmware string
		flagWorkers  int
		flagOffset   string
	)

	cmd := &cobra.Command{
		Use:   "flash [port...]",
		Short: "Flash firmware to attached devices in parallel",
		Long: `Flash every detected device concurrently, or only the ports given as
arguments. Devices are detected through the configured glob patterns
(ttyUSB*, ttyACM* and friends by default).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if fw := strings.TrimSpace(flagFirmware); fw != "" {
				cfg.FirmwarePath = fw
			}
			if flagWorkers > 0 {
				cfg.MaxWorkers = flagWorkers
			}
			if off := strings.TrimSpace(flagOffset); off != "" {
				cfg.FlashOffset = off
			}

			station, cleanup, err := newStation(cfg, cliEvents{})
			if err != nil {
				return err
			}
			defer cleanup()

			log.Info().
				Str("firmware", cfg.FirmwarePath).
				Int("workers", cfg.MaxWorkers).
				Str("chip", cfg.Chip).
				Msg("starting flash run")

			var results map[string]flasher.Result
			if len(args) > 0 {
				results = station.FlashPorts(cmd.Context(), args, "")
			} else {
				results = station.FlashAll(cmd.Context(), "")
			}
			if len(results) == 0 {
				fmt.Println("No devices found")
				return nil
			}

			renderResults(results)
			failed := 0
			for _, res := range results {
				if !res.Success {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d devices failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&flagFirmware, "firmware", "f", "", "Firmware image overriding the configured path")
	cmd.Flags().IntVarP(&flagWorkers, "workers", "w", 0, "Concurrent flash bound overriding the configured value")
	cmd.Flags().StringVar(&flagOffset, "offset", "", "Flash offset overriding the configured value (e.g. 0x1000)")

	return cmd
}
