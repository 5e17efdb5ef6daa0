package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/config"
	"github.com/MoonLadderStudios/MoonMind-sub000/internal/proposals/store/postgres"
	queuepostgres "github.com/MoonLadderStudios/MoonMind-sub000/internal/queue/store/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending Postgres migrations for the queue and proposal stores",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(os.Environ())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := openPostgres(cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := queuepostgres.Migrate(db); err != nil {
		return fmt.Errorf("migrate queue store: %w", err)
	}
	if err := postgres.Migrate(db); err != nil {
		return fmt.Errorf("migrate proposals store: %w", err)
	}

	fmt.Println("migrations applied")
	return nil
}
