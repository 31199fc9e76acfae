package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/asaskevich/govalidator"
	"github.com/spf13/cobra"

	"github.com/vmledger/vmledger/internal/config"
	"github.com/vmledger/vmledger/internal/output"
	"github.com/vmledger/vmledger/internal/vmkernel"
)

// vmsDir is where every plain (non-factory) VM's data directory lives,
// one subdirectory per name.
func vmsDir() string {
	return filepath.Join(config.DataDir(), "vms")
}

func vmDir(name string) string {
	return filepath.Join(vmsDir(), name)
}

// validateName rejects names that aren't safe to use as a single path
// segment under the data dir — no slashes, no "..", no leading dot.
func validateName(name string) error {
	if name == "" || !govalidator.Matches(name, `^[A-Za-z0-9][A-Za-z0-9._-]*$`) {
		return fmt.Errorf("invalid name %q: must be alphanumeric, optionally with '.', '_', '-'", name)
	}
	return nil
}

func addDeployCommand(rootCmd *cobra.Command) {
	deployCmd := &cobra.Command{
		Use:   "deploy <name> <script-file>",
		Short: "Deploy a guest script as a new VM",
		Long:  "Deploy reads a guest script, constructs a VM under the given name, and runs its exported init method (if any) before returning.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, scriptPath := args[0], args[1]
			if err := validateName(name); err != nil {
				return err
			}
			code, err := os.ReadFile(scriptPath)
			if err != nil {
				return fmt.Errorf("reading script file: %w", err)
			}

			v := vmkernel.New(string(code))
			if err := v.Deploy(cmd.Context(), vmkernel.DeployOptions{Dir: vmDir(name), Title: name}); err != nil {
				return err
			}
			defer v.Close()

			if output.IsJSON() {
				return output.PrintJSON(cmd.OutOrStdout(), map[string]any{
					"id":              v.ID(),
					"name":            name,
					"state":           v.State().String(),
					"filesArchiveUrl": v.FilesArchive().URL(),
					"callLogUrl":      v.CallLog().URL(),
				})
			}
			if !output.IsQuiet() {
				fmt.Fprintf(cmd.OutOrStdout(), "Deployed %s (id=%s)\n", name, v.ID())
				fmt.Fprintf(cmd.OutOrStdout(), "  filesArchive: %s\n", v.FilesArchive().URL())
				fmt.Fprintf(cmd.OutOrStdout(), "  callLog:      %s\n", v.CallLog().URL())
			}
			return nil
		},
	}
	rootCmd.AddCommand(deployCmd)
}
