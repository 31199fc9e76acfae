package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vmledger/vmledger/internal/calllog"
	"github.com/vmledger/vmledger/internal/output"
	"github.com/vmledger/vmledger/internal/verify"
	"github.com/vmledger/vmledger/internal/vmkernel"
)

func addVerifyCommand(rootCmd *cobra.Command) {
	verifyCmd := &cobra.Command{
		Use:   "verify <name-a> <name-b>",
		Short: "Compare two VMs' call logs and files archives for divergence",
		Long:  "Verify opens two VMs by name and checks that their call logs and files archives are byte-identical. It collects every mismatch rather than stopping at the first one, and never attempts to say which side was tampered with.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			nameA, nameB := args[0], args[1]
			if err := validateName(nameA); err != nil {
				return err
			}
			if err := validateName(nameB); err != nil {
				return err
			}

			logA, err := calllog.OpenLocalLog(vmDir(nameA) + "/log")
			if err != nil {
				return err
			}
			logB, err := calllog.OpenLocalLog(vmDir(nameB) + "/log")
			if err != nil {
				return err
			}

			vmA, err := vmkernel.Open(cmd.Context(), vmDir(nameA))
			if err != nil {
				return err
			}
			defer vmA.Close()
			vmB, err := vmkernel.Open(cmd.Context(), vmDir(nameB))
			if err != nil {
				return err
			}
			defer vmB.Close()

			logErr := verify.CompareLogs(logA, logB)
			archErr := verify.CompareArchives(cmd.Context(), vmA.FilesArchive(), vmB.FilesArchive())

			ok := logErr == nil && archErr == nil

			if output.IsJSON() {
				result := map[string]any{"match": ok}
				if logErr != nil {
					result["logError"] = logErr.Error()
				}
				if archErr != nil {
					result["archiveError"] = archErr.Error()
				}
				if err := output.PrintJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else if !output.IsQuiet() {
				if ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%s and %s match\n", nameA, nameB)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s and %s diverge:\n", nameA, nameB)
					if logErr != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "  call log: %v\n", logErr)
					}
					if archErr != nil {
						fmt.Fprintf(cmd.OutOrStdout(), "  files archive: %v\n", archErr)
					}
				}
			}

			if !ok {
				return fmt.Errorf("verify: %s and %s diverge", nameA, nameB)
			}
			return nil
		},
	}
	rootCmd.AddCommand(verifyCmd)
}
