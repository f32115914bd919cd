package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newEraseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "erase <port>",
		Short: "Erase the entire flash of one device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			port := args[0]
			log.Info().Str("port", port).Str("chip", cfg.Chip).Msg("erasing flash")

			if !newEngine(cfg).EraseFlash(cmd.Context(), port) {
				return fmt.Errorf("erase failed on %s", port)
			}
			fmt.Printf("Flash erased on %s\n", port)
			return nil
		},
	}
	return cmd
}
