package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/playztag/parallel-flash-esp32/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "flashd",
	Short: "Parallel ESP32 firmware flash station",
	Long: `flashd drives esptool across many USB serial ports at once: scan for
attached dev boards, flash them in parallel, auto-flash on hotplug, and keep
a queryable history of every attempt.`,
}

var rootConfigPath string

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Config file path overriding ./config.yaml")
	rootCmd.AddCommand(
		newFlashCmd(),
		newMonitorCmd(),
		newListCmd(),
		newStatsCmd(),
		newEraseCmd(),
		newVerifyCmd(),
		newExportCmd(),
		newResetCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("flashd command failed")
	}
}
