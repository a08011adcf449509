package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sjsage522/pricewatch/internal/api"
	"sjsage522/pricewatch/logger"
)

func serveCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long:  "Serves synchronous checks, job submission, history, events and exchange rates. Queued jobs are run by a worker process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port == 0 {
				port = cfg.APIPort
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			services, err := initializeServices(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize services: %w", err)
			}
			defer services.Cleanup()

			server := api.NewServer(api.Deps{
				Checker:  services.Checker,
				Enqueuer: services.Enqueuer,
				Store:    services.Store,
				Rates:    services.Rates,
			})
			err = server.Run(ctx, fmt.Sprintf(":%d", port))
			logger.Default.Info().Msg("API server stopped")
			return err
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (default API_PORT)")
	return cmd
}
