package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vmledger/vmledger/internal/config"
	"github.com/vmledger/vmledger/internal/output"
)

var Version = "dev"

var (
	jsonFlag    bool
	verboseFlag bool
	quietFlag   bool
	noColorFlag bool
	ConfigDir   string
)

// NewRootCmd assembles the vmctl command tree.
func NewRootCmd() *cobra.Command {
	cmd := newRootCmd()
	addConfigCommands(cmd)
	addDeployCommand(cmd)
	addCallCommand(cmd)
	addReplayCommand(cmd)
	addVerifyCommand(cmd)
	addServeCommand(cmd)
	addFactoryCommands(cmd)
	addWatchCommand(cmd)
	return cmd
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "vmctl",
		Short:         "Control plane for the auditable VM ledger",
		Long:          "vmctl — deploys guest scripts into sandboxed VMs, drives calls against them, and replays or verifies their append-only call logs.",
		Version:       fmt.Sprintf("vmctl v%s", Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verboseFlag && quietFlag {
				return fmt.Errorf("--verbose and --quiet are mutually exclusive")
			}
			if jsonFlag {
				quietFlag = true
			}
			output.SetFlags(jsonFlag, quietFlag, verboseFlag)
			config.SetConfigDir(ConfigDir)
			return nil
		},
	}

	rootCmd.SetVersionTemplate("{{.Version}}\n")

	pflags := rootCmd.PersistentFlags()
	pflags.BoolVarP(&jsonFlag, "json", "j", false, "Output as JSON")
	pflags.BoolVarP(&verboseFlag, "verbose", "v", false, "Extra detail to stderr")
	pflags.BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output")
	pflags.BoolVar(&noColorFlag, "no-color", false, "Disable ANSI colors")
	pflags.StringVar(&ConfigDir, "data-dir", "", "Override data directory (default: ~/.vmledger)")

	if v := os.Getenv("VMLEDGER_HOME"); v != "" && ConfigDir == "" {
		ConfigDir = v
	}
	if os.Getenv("NO_COLOR") != "" {
		noColorFlag = true
	}

	return rootCmd
}

// Execute runs the vmctl command tree against os.Args.
func Execute() error {
	cmd := NewRootCmd()
	return cmd.Execute()
}
