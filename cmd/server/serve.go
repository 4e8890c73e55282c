package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/GriffinCanCode/livemap/internal/infrastructure/config"
	"github.com/GriffinCanCode/livemap/internal/infrastructure/server"
)

func newServeCommand() *cobra.Command {
	var (
		port string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// Flags override env vars
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if dev {
				cfg.Logging.Development = true
				cfg.Logging.Level = "debug"
			}

			srv, err := server.NewServer(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&port, "port", "8000", "Server port")
	cmd.Flags().BoolVar(&dev, "dev", false, "Development logging")
	return cmd
}
