package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vmledger/vmledger/internal/output"
	"github.com/vmledger/vmledger/internal/vmkernel"
	"github.com/vmledger/vmledger/internal/wireval"
)

func addCallCommand(rootCmd *cobra.Command) {
	var argsJSON string
	var callerID string

	callCmd := &cobra.Command{
		Use:   "call <name> <method>",
		Short: "Invoke an exported method on a deployed VM",
		Long:  "Call reopens an existing VM by name, serializes the invocation behind its call queue, and prints the method's result once the call is logged.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, method := args[0], args[1]
			if err := validateName(name); err != nil {
				return err
			}

			callArgs := wireval.Null()
			if argsJSON != "" {
				var decoded any
				if err := json.Unmarshal([]byte(argsJSON), &decoded); err != nil {
					return fmt.Errorf("parsing --args: %w", err)
				}
				v, err := wireval.FromGo(decoded)
				if err != nil {
					return fmt.Errorf("converting --args: %w", err)
				}
				callArgs = v
			}

			v, err := vmkernel.Open(cmd.Context(), vmDir(name))
			if err != nil {
				return err
			}
			defer v.Close()

			result, callErr := v.ExecuteCall(cmd.Context(), method, callArgs, callerID)
			if callErr != nil {
				return callErr
			}

			if output.IsJSON() {
				return output.PrintJSON(cmd.OutOrStdout(), map[string]any{"result": result.ToGo()})
			}
			if !output.IsQuiet() {
				data, _ := json.Marshal(result.ToGo())
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
			}
			return nil
		},
	}

	callCmd.Flags().StringVar(&argsJSON, "args", "", "JSON-encoded argument list, e.g. '[1, 2]'")
	callCmd.Flags().StringVar(&callerID, "caller", "", "Caller id observable via System.caller.id()")
	rootCmd.AddCommand(callCmd)
}
