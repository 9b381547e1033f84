package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/Modulys-Pax/erp-sub000/internal/config"
	pgstore "github.com/Modulys-Pax/erp-sub000/internal/store/postgres"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply (or roll back one step of) the postgres schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		logger := newLogger(cfg.LogLevel)
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for migrate")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()

		if migrateDown {
			err = pg.Rollback(ctx)
		} else {
			err = pg.Migrate(ctx)
		}
		if err != nil {
			return err
		}

		version, err := pg.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		logger.Info("schema migrated", "version", version, "down", migrateDown)
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back the most recent migration")
	rootCmd.AddCommand(migrateCmd)
}
