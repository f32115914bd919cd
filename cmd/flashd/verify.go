package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <port>...",
		Short: "Check that devices are reachable and identifiable",
		Long: `Open each port and read the chip type over the bootloader protocol.
A port passes only when it can be opened and the chip answers.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			engine := newEngine(cfg)

			failed := 0
			for _, port := range args {
				ok := engine.VerifyPort(cmd.Context(), port)
				if !ok {
					failed++
				}
				fmt.Printf("%s: %s\n", port, statusText(ok))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d ports failed verification", failed, len(args))
			}
			return nil
		},
	}
	return cmd
}
