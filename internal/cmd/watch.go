package cmd

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/vmledger/vmledger/internal/tui"
	"github.com/vmledger/vmledger/internal/vmkernel"
)

func addWatchCommand(rootCmd *cobra.Command) {
	var tailSize int

	watchCmd := &cobra.Command{
		Use:   "watch <name>",
		Short: "Watch a deployed VM's state and call log live",
		Long:  "Watch reopens an existing VM and polls its stats and call log on a fixed interval, rendering a live view until the viewer is quit.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := validateName(name); err != nil {
				return err
			}

			v, err := vmkernel.Open(cmd.Context(), vmDir(name))
			if err != nil {
				return err
			}
			defer v.Close()

			model := tui.NewWatchModel(v, tailSize)
			_, err = tea.NewProgram(model).Run()
			return err
		},
	}

	watchCmd.Flags().IntVar(&tailSize, "tail", 10, "Number of most recent call log entries to show")
	rootCmd.AddCommand(watchCmd)
}
