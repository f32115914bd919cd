package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/playztag/parallel-flash-esp32/pkg/history"
)

func newResetCmd() *cobra.Command {
	var flagYes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all stored flash history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !flagYes && !confirm("This deletes all flash history. Continue? [y/N] ") {
				fmt.Println("Aborted")
				return nil
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := history.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Flash history cleared")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "Skip the confirmation prompt")

	return cmd
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
