package main

import (
	"github.com/spf13/cobra"

	"tradejournal/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Applies the embedded database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return storage.RunMigrations(cfg.DatabaseURL, newLogger(cfg.LogLevel))
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
