package cmd

import (
	"github.com/spf13/cobra"

	"sjsage522/pricewatch/logger"
	"sjsage522/pricewatch/pkg/errors"
	"sjsage522/pricewatch/services/store"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.StoreDriver != "postgres" {
				return errors.NewConfiguration("migrate requires STORE_DRIVER=postgres", nil)
			}

			pg, err := store.NewPostgres(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			logger.Default.Info().Msg("Schema applied")
			return nil
		},
	}
}
