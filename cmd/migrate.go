package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/recyclebud/scan-api/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the scan history tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cfg.HistoryEnabled() {
			return errors.New("database.dsn (DATABASE_DSN) is required to migrate")
		}

		ctx := cmd.Context()
		db, err := openDatabase(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}

		if err := repository.NewScanRepository(db, logger).AutoMigrate(ctx); err != nil {
			return err
		}
		logger.Info("migration complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
