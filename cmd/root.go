// Package cmd implements the pricewatch command-line interface.
package cmd

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"sjsage522/pricewatch/config"
	"sjsage522/pricewatch/logger"
)

var (
	// Debug forces debug logging for every command
	Debug bool

	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "pricewatch",
		Short: "Competitor price monitoring worker",
		Long: `pricewatch fetches competitor product pages, tracks their prices,
evaluates user alert rules and delivers webhook and email notifications.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if Debug {
				os.Setenv("LOG_LEVEL", "debug")
			}
			logger.Init()

			cfg = config.LoadConfig()
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command
func Execute() error {
	// Load .env file early so environment variables are available
	_ = godotenv.Load()

	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&Debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(workerCommand())
	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(checkCommand())
	rootCmd.AddCommand(migrateCommand())
}
