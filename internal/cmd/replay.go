package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vmledger/vmledger/internal/calllog"
	"github.com/vmledger/vmledger/internal/output"
	"github.com/vmledger/vmledger/internal/replay"
	"github.com/vmledger/vmledger/internal/verify"
)

func addReplayCommand(rootCmd *cobra.Command) {
	var outDir string
	var assertURL string

	replayCmd := &cobra.Command{
		Use:   "replay <name>",
		Short: "Rebuild a VM from its call log",
		Long:  "Replay reconstructs a VM purely from its call log: a fresh VM deployed from the log's init entry, with every subsequent call driven back through it in order.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := validateName(name); err != nil {
				return err
			}

			lg, err := calllog.OpenLocalLog(vmDir(name) + "/log")
			if err != nil {
				return err
			}

			rebuilt, err := replay.FromCallLog(cmd.Context(), lg, replay.Assertions{FilesArchiveURL: assertURL}, replayOpts(outDir)...)
			if err != nil {
				return err
			}
			defer rebuilt.Close()

			if err := verify.CompareLogs(lg, rebuilt.CallLog()); err != nil {
				return err
			}

			if output.IsJSON() {
				return output.PrintJSON(cmd.OutOrStdout(), map[string]any{
					"id":              rebuilt.ID(),
					"filesArchiveUrl": rebuilt.FilesArchive().URL(),
					"callLogUrl":      rebuilt.CallLog().URL(),
				})
			}
			if !output.IsQuiet() {
				fmt.Fprintf(cmd.OutOrStdout(), "Replay succeeded: rebuilt log matches the original (id=%s)\n", rebuilt.ID())
			}
			return nil
		},
	}

	replayCmd.Flags().StringVar(&outDir, "dir", "", "Directory to deploy the rebuilt VM into (default: a fresh temp dir)")
	replayCmd.Flags().StringVar(&assertURL, "assert-url", "", "Require the log's init entry to name this filesArchiveUrl")
	rootCmd.AddCommand(replayCmd)
}

func replayOpts(outDir string) []replay.Option {
	if outDir == "" {
		return nil
	}
	return []replay.Option{replay.WithDir(outDir)}
}
