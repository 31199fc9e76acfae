package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vmledger/vmledger/internal/config"
	"github.com/vmledger/vmledger/internal/output"
)

func addConfigCommands(rootCmd *cobra.Command) {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage vmctl configuration",
		Long:  "Show, get, and set values in the vmctl config file (~/.vmledger/config.toml).",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.PrintJSON(cmd.OutOrStdout(), cfg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n", config.ConfigPath())
			fmt.Fprintf(cmd.OutOrStdout(), "rpc.port = %d\n", cfg.RPC.Port)
			fmt.Fprintf(cmd.OutOrStdout(), "rpc.q_max = %d\n", cfg.RPC.QMax)
			fmt.Fprintf(cmd.OutOrStdout(), "rpc.max_vms = %d\n", cfg.RPC.MaxVMs)
			return nil
		},
	}

	configGetCmd := &cobra.Command{
		Use:   "get <KEY>",
		Short: "Get a config value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			val, err := config.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), val)
			return nil
		},
	}

	configSetCmd := &cobra.Command{
		Use:   "set <KEY> <VALUE>",
		Short: "Set a config value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Set(args[0], args[1]); err != nil {
				return err
			}
			if !output.IsQuiet() {
				fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", args[0], args[1])
			}
			return nil
		},
	}

	configPathCmd := &cobra.Command{
		Use:   "path",
		Short: "Print config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), config.ConfigPath())
			return nil
		},
	}

	configCmd.AddCommand(configGetCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
