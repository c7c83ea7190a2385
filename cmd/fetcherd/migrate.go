package main

import (
	"github.com/spf13/cobra"

	"github.com/fetcherd/fetcherd/internal/config"
	"github.com/fetcherd/fetcherd/internal/database"
	"github.com/fetcherd/fetcherd/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply the database schema and exit",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	log := logger.New(logger.Config{Level: level, Pretty: logPretty})

	db, err := database.New(database.Config{Path: cfg.ResolveDatabasePath(), Profile: database.ProfileDurable})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return err
	}

	log.Info().Str("path", db.Path()).Msg("schema applied")
	return nil
}
