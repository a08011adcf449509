package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sjsage522/pricewatch/internal/api"
	"sjsage522/pricewatch/internal/jobs"
	"sjsage522/pricewatch/logger"
)

const trimEvery = time.Hour

func workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the job dispatcher",
		Long:  "Registers the recurring jobs and runs the dispatcher until SIGINT or SIGTERM, with health and metrics on HEALTH_PORT.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(parent context.Context) error {
	log := logger.Default
	log.Info().
		Str("environment", cfg.Environment).
		Int("max_concurrency", cfg.MaxConcurrency).
		Dur("process_every", cfg.ProcessEvery).
		Str("browser_mode", cfg.BrowserMode).
		Msg("Starting application")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	services, err := initializeServices(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer services.Cleanup()

	if err := jobs.RegisterRecurring(ctx, services.Store, jobs.RecurringJobs, time.Now()); err != nil {
		return fmt.Errorf("failed to register recurring jobs: %w", err)
	}

	health := api.NewServer(api.Deps{
		Checker:    services.Checker,
		Enqueuer:   services.Enqueuer,
		Store:      services.Store,
		Dispatcher: services.Dispatcher,
	})
	go func() {
		if err := health.Run(ctx, fmt.Sprintf(":%d", cfg.HealthPort)); err != nil {
			log.Error().Err(err).Msg("Health server exited with error")
		}
	}()

	go trimStream(ctx, services)

	workerDone := make(chan error, 1)
	go func() {
		log.Info().Str("owner", services.Dispatcher.Stats().Owner).Msg("Starting dispatcher")
		workerDone <- services.Dispatcher.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")
		cancel()
		// Start returns once in-flight jobs have drained
		err = <-workerDone
	case err = <-workerDone:
	}

	if err != nil {
		log.Error().Err(err).Msg("Dispatcher exited with error")
		return err
	}
	log.Info().Msg("Shutting down gracefully...")
	return nil
}

// trimStream keeps the event stream bounded
func trimStream(ctx context.Context, services *Services) {
	ticker := time.NewTicker(trimEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := services.Publisher.TrimStreams(ctx); err != nil {
				logger.ForPublisher().Warn().Err(err).Msg("Failed to trim event stream")
			}
		}
	}
}
