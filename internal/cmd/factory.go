package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vmledger/vmledger/internal/config"
	"github.com/vmledger/vmledger/internal/factory"
	"github.com/vmledger/vmledger/internal/output"
	"github.com/vmledger/vmledger/internal/rpcsrv"
	"github.com/vmledger/vmledger/internal/vmkernel"
)

// factoryDir is where a factory's own VM dir and its children's dirs
// live, one top-level directory per factory name.
func factoryDir(name string) string {
	return filepath.Join(config.DataDir(), "factories", name)
}

func addFactoryCommands(rootCmd *cobra.Command) {
	factoryCmd := &cobra.Command{
		Use:   "factory",
		Short: "Manage VM factories: VMs that provision and shut down other VMs",
	}

	factoryCmd.AddCommand(newFactoryDeployCmd())
	factoryCmd.AddCommand(newFactoryServeCmd())

	rootCmd.AddCommand(factoryCmd)
}

func newFactoryDeployCmd() *cobra.Command {
	var maxVMs int

	deployCmd := &cobra.Command{
		Use:   "deploy <name> <script-file>",
		Short: "Deploy a factory guest script as a new factory",
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

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if maxVMs == 0 {
				maxVMs = cfg.RPC.MaxVMs
			}

			f := factory.New(string(code), factoryDir(name), factory.WithMaxVMs(maxVMs))
			if err := f.Deploy(cmd.Context(), name); err != nil {
				return err
			}
			defer f.Close()

			v := f.VM()
			if output.IsJSON() {
				return output.PrintJSON(cmd.OutOrStdout(), map[string]any{
					"id":              v.ID(),
					"name":            name,
					"filesArchiveUrl": v.FilesArchive().URL(),
					"callLogUrl":      v.CallLog().URL(),
				})
			}
			if !output.IsQuiet() {
				fmt.Fprintf(cmd.OutOrStdout(), "Deployed factory %s (id=%s)\n", name, v.ID())
			}
			return nil
		},
	}
	deployCmd.Flags().IntVar(&maxVMs, "max-vms", 0, "Maximum number of children this factory may provision (default: config rpc.max_vms)")
	return deployCmd
}

func newFactoryServeCmd() *cobra.Command {
	var port int

	serveCmd := &cobra.Command{
		Use:   "serve <name>",
		Short: "Serve a deployed factory and its children over the RPC Adapter",
		Long:  "Serve reopens a factory, restores every previously provisioned child, mounts the factory and its children on the RPC Adapter, and accepts connections until interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := validateName(name); err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if port == 0 {
				port = cfg.RPC.Port
			}

			dir := factoryDir(name)
			code, err := vmkernel.ReadGuestCode(dir)
			if err != nil {
				return err
			}

			logger := logrus.New()
			if output.IsQuiet() {
				logger.SetLevel(logrus.ErrorLevel)
			}

			adapter := rpcsrv.New(logger)
			defer adapter.Close()

			f := factory.New(code, dir,
				factory.WithMaxVMs(cfg.RPC.MaxVMs),
				factory.WithQMax(cfg.RPC.QMax),
				factory.WithLogger(logger),
				factory.WithMounts(adapter),
			)
			if err := f.Deploy(cmd.Context(), name); err != nil {
				return err
			}
			defer f.Close()

			adapter.Mount("/"+name, f.VM())

			errCh := make(chan error, 1)
			go func() { errCh <- adapter.Listen(port) }()

			if !output.IsQuiet() {
				fmt.Fprintf(cmd.OutOrStdout(), "Serving factory %s on ws://127.0.0.1:%d/%s (%d children restored, ctrl+c to stop)\n", name, port, name, f.NumVMs())
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case <-sigCh:
				return adapter.Close()
			}
		},
	}
	serveCmd.Flags().IntVar(&port, "port", 0, "Port to listen on (default: config rpc.port)")
	return serveCmd
}
