package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/playztag/parallel-flash-esp32/pkg/registry"
)

func newListCmd() *cobra.Command {
	var flagProbe bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List detected serial devices",
		Long: `Scan the configured device patterns and print every matching port.
With --probe each port is opened and asked for its chip type, which takes a
few seconds per device.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg := registry.New(registry.Config{Patterns: cfg.DevicePatterns})
			ports, err := reg.Scan()
			if err != nil {
				log.Warn().Err(err).Msg("device scan reported errors")
			}
			if len(ports) == 0 {
				fmt.Println("No devices found")
				return nil
			}

			if !flagProbe {
				for _, port := range ports {
					fmt.Println(port)
				}
				return nil
			}

			engine := newEngine(cfg)
			header := fmt.Sprintf("%-22s %-6s %-12s %s", "Port", "Status", "Chip", "MAC")
			fmt.Println(headerStyle.Render(header))
			for _, port := range ports {
				info, err := engine.Identify(cmd.Context(), port)
				ok := err == nil && info.ChipType != ""
				row := fmt.Sprintf("%-22s %-6s %-12s %s", port, statusText(ok), info.ChipType, info.MAC)
				fmt.Println(rowStyle(ok).Render(row))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&flagProbe, "probe", false, "Identify the chip on every detected port")

	return cmd
}
