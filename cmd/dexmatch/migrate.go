package main

import (
	"fmt"

	"github.com/navid-fn/dexmatch/configs"
	"github.com/navid-fn/dexmatch/internal/storage"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the tables dexmatch uses (local and test setups)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configs.AppLoad()
			logger := configs.NewLogger(cfg.LogLevel)

			db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{})
			if err != nil {
				return fmt.Errorf("open postgres: %w", err)
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			logger.Info("Running database migrations...")
			if err := storage.AutoMigrate(db); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("Migrations completed successfully")
			return nil
		},
	}
}
