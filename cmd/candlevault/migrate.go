package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/candlevault/candlevault/internal/persistence/postgres"
)

// runMigrate ensures the schema exists and exits.
func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	mgr, err := postgres.NewManager(cfg.Database)
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := mgr.Repository().Migrator.EnsureSchema(ctx); err != nil {
		return err
	}

	log.Info().Msg("schema is up to date")
	return nil
}
