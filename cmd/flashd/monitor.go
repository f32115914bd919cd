package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	flashstation "github.com/playztag/parallel-flash-esp32"
)

// Uevent sockets can drop notifications under load, so monitor mode also
// reconciles the known set on a slow tick.
const reconcileInterval = 30 * time.Second

func newMonitorCmd() *cobra.Command {
	var (
		flagFirmware     string
		flagPollInterval time.Duration
		flagForcePoll    bool
	)

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch for hotplug and auto-flash new devices",
		Long: `Run until interrupted, flashing every newly attached device the moment it
enumerates. Devices already attached at startup are left alone; replug one to
flash it. Detection uses kernel uevents when available and falls back to
polling.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if fw := strings.TrimSpace(flagFirmware); fw != "" {
				cfg.FirmwarePath = fw
			}
			if flagPollInterval > 0 {
				cfg.PollInterval = flagPollInterval
			}
			if flagForcePoll {
				cfg.ForcePoll = true
			}

			station, cleanup, err := newStation(cfg, cliEvents{})
			if err != nil {
				return err
			}
			defer cleanup()

			sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Info().
				Str("firmware", cfg.FirmwarePath).
				Int("workers", cfg.MaxWorkers).
				Msg("monitor mode running, interrupt to stop")

			g, gctx := errgroup.WithContext(sigCtx)
			g.Go(func() error {
				return station.Monitor(gctx)
			})
			g.Go(func() error {
				return reconcileLoop(gctx, station)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&flagFirmware, "firmware", "f", "", "Firmware image overriding the configured path")
	cmd.Flags().DurationVar(&flagPollInterval, "poll-interval", 0, "Rescan cadence of the polling backend")
	cmd.Flags().BoolVar(&flagForcePoll, "force-poll", false, "Skip kernel uevents and always poll")

	return cmd
}

func reconcileLoop(ctx context.Context, station *flashstation.Station) error {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			station.RefreshDevices()
		}
	}
}
