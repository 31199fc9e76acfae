package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vmledger/vmledger/internal/config"
	"github.com/vmledger/vmledger/internal/output"
	"github.com/vmledger/vmledger/internal/rpcsrv"
	"github.com/vmledger/vmledger/internal/vmkernel"
)

func addServeCommand(rootCmd *cobra.Command) {
	var port int

	serveCmd := &cobra.Command{
		Use:   "serve <name>",
		Short: "Serve a deployed VM over the RPC Adapter",
		Long:  "Serve reopens an existing VM and mounts it on the RPC Adapter at /<name>, accepting websocket connections until interrupted.",
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

			v, err := vmkernel.Open(cmd.Context(), vmDir(name))
			if err != nil {
				return err
			}
			defer v.Close()

			logger := logrus.New()
			if output.IsQuiet() {
				logger.SetLevel(logrus.ErrorLevel)
			}

			adapter := rpcsrv.New(logger)
			adapter.Mount("/"+name, v)
			defer adapter.Close()

			errCh := make(chan error, 1)
			go func() { errCh <- adapter.Listen(port) }()

			if !output.IsQuiet() {
				fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on ws://127.0.0.1:%d/%s (ctrl+c to stop)\n", name, port, name)
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
	rootCmd.AddCommand(serveCmd)
}
